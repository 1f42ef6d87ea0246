package codegen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(`{"elements": [], "annotations": [], "image_size": [0, 0]}`)

	assert.True(t, strings.HasPrefix(p, "You are a Blender Python script generation expert."))
	assert.True(t, strings.HasSuffix(p, "**Final Script (Provide only this):**"))
	assert.Contains(t, p, "**Script Preamble (Use this exact code at the top):**\n"+Preamble)
	for i := 1; i <= 8; i++ {
		assert.Contains(t, p, "\n"+string(rune('0'+i))+".  **", "rule %d", i)
	}
	assert.Contains(t, p, "If `dist < min_dist`")
	assert.Contains(t, p, "`mod.operation = 'DIFFERENCE'`")
	assert.Contains(t, p, "`mod = closest_wall.modifiers.new(name=\"Hole\", type='BOOLEAN')`")
	assert.Contains(t, p, "```json\n{\"elements\": [], \"annotations\": [], \"image_size\": [0, 0]}\n```")
	assert.NotContains(t, p, "%!")
}

func TestBuildFixPrompt(t *testing.T) {
	p := BuildFixPrompt("x = (", "invalid syntax (line 1, column 5)")

	assert.Contains(t, p, "The following Blender Python script has a syntax error. Please fix it.")
	assert.Contains(t, p, "**Error:**\n```\ninvalid syntax (line 1, column 5)\n```")
	assert.Contains(t, p, "**Incorrect Code:**\n```python\nx = (\n```")
	assert.Contains(t, p, "**Corrected Blender Python Script (code only):**")
}

func TestBuildRevisePrompt(t *testing.T) {
	p := BuildRevisePrompt("import bpy", "add 100% more walls")

	assert.True(t, strings.HasPrefix(p, "You are a Blender Python script expert."))
	assert.Contains(t, p, "**User Request:**\nadd 100% more walls\n")
	assert.Contains(t, p, "**Original Script:**\n```python\nimport bpy\n```")
	assert.True(t, strings.HasSuffix(p, "**Modified Blender Python Script (code only):**"))
}

func TestPreamble(t *testing.T) {
	assert.True(t, strings.HasPrefix(Preamble, "import bpy\nimport math\nimport json\n"))
	assert.Contains(t, Preamble, `with open("sketch.json", "r", encoding="utf-8") as f:`)
	assert.Contains(t, Preamble, "wall_height = 2.5\nwall_thickness = 0.5\n")
	assert.True(t, strings.HasSuffix(Preamble, "bpy.ops.object.delete(use_global=False)\n"))
}
