// Package codegen turns a SketchModel into a Blender Python script by driving a
// code-generating language model through a generate, validate and repair loop,
// and applies free-form modification requests to an existing script.
package codegen
