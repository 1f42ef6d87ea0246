// Package vision reads a floor-plan sketch image: it sends the image to an
// object-detection service for wall, door and window boxes, runs OCR for text
// labels, and hands both to mesh.Reconstruct.
//
// OCR uses Tesseract through gosseract, which needs cgo and the Tesseract
// libraries. It is compiled only with the "tesseract" build tag; without it
// the recognizer reports ErrOCRUnavailable and analysis continues with no
// annotations.
package vision
