package codegen

import (
	"fmt"
	"strings"
)

// Preamble opens every accepted script. It loads sketch.json from the working
// directory and clears the scene.
const Preamble = `import bpy
import math
import json
# from mathutils import Vector # Do not use this module

# 1. Parse JSON data and initialize scene
# Parse JSON string to Python dictionary
with open("sketch.json", "r", encoding="utf-8") as f:
	json_string = f.read()
	data = json.loads(json_string)

# Scene settings
wall_height = 2.5
wall_thickness = 0.5
wall_objects = [] # List to store created wall objects

# Scene initialization
bpy.ops.object.select_all(action='SELECT')
bpy.ops.object.delete(use_global=False)
`

const generationTemplate = `
You are a Blender Python script generation expert. Your task is to create a Python script for Blender using the ` + "`bpy`" + ` module based on the provided JSON data.

**CRITICAL RULES (MUST FOLLOW):**
1.  **START WITH PREAMBLE:** You MUST start your code output with the *entire* 'Script Preamble' section, exactly as written. This includes ` + "`import json`" + ` and ` + "`import math`" + `.
2.  **NO mathutils:** You MUST NOT import or use the ` + "`mathutils`" + ` or ` + "`Vector`" + ` module. Use the standard ` + "`math`" + ` library only.
3.  **NO ANNOTATIONS:** You MUST completely ignore any element with type ` + "`'annotation'`" + `. DO NOT create text objects.
4.  **NO MODIFYING PREAMBLE:** You MUST NOT change any part like json_string of the 'Script Preamble'. It must remain exactly as provided.
5.  **NO BMESH:** You MUST NOT use the ` + "`bmesh`" + ` module. Use ` + "`bpy.ops.mesh.primitive_cube_add()`" + `.
6.  **NO HELPER FUNCTIONS:** Do NOT define helper functions. Write all logic in the main script scope.
7.  **3D VECTORS:** All ` + "`location`" + ` parameters for ` + "`bpy.ops`" + ` MUST be 3-item tuples ` + "`(x, y, z)`" + `. DO NOT pass 2-item lists.
8.  **OUTPUT:** Provide ONLY the pure Python code. No explanations, no markdown.

---
**Script Preamble (Use this exact code at the top):**
%s
---

**Logic for Wall Creation (Follow these steps exactly):**

1.  Loop through ` + "`data['elements']`" + `.
2.  If ` + "`element['type'] == 'wall'`" + `:
	* Get ` + "`start = element['start']`" + ` and ` + "`end = element['end']`" + `.
	* Calculate ` + "`length = math.sqrt((end[0] - start[0])**2 + (end[1] - start[1])**2)`" + `.
	* Calculate ` + "`angle = math.atan2(end[1] - start[1], end[0] - start[0])`" + `.
	* **Calculate 3D Center:** ` + "`center_3d = ((start[0] + end[0]) / 2, (start[1] + end[1]) / 2, wall_height / 2)`" + `. (This MUST be a 3D tuple).
	* **Create Cube:** Call ` + "`bpy.ops.mesh.primitive_cube_add(location=center_3d)`" + `.
	* Get the new object: ` + "`wall = bpy.context.object`" + `.
	* Set rotation: ` + "`wall.rotation_euler[2] = angle`" + `.
	* Set Dimensions: ` + "`wall.dimensions = (length, wall_thickness, wall_height)`" + `.
	* Add to list: ` + "`wall_objects.append(wall)`" + `.

---
**Logic for Hole Creation (Doors/Windows - Follow these steps exactly):**

1.  Loop through ` + "`data['elements']`" + ` a **SECOND TIME**.
2.  If ` + "`element['type'] == 'door'`" + ` or ` + "`element['type'] == 'window'`" + `:
	* Get ` + "`position = element['position']`" + ` (this is a 2D position [x, y]).
	* Define ` + "`door_size = (0.9, 2.1)`" + ` and ` + "`window_size = (1.2, 1.2)`" + `.
	* Set ` + "`hole_z_pos`" + ` = 1.05 for 'door', 1.5 for 'window'.
	* Set ` + "`hole_dims`" + ` = ` + "`(door_size[0], wall_thickness * 2, door_size[1])`" + ` for 'door' or ` + "`(window_size[0], wall_thickness * 2, window_size[1])`" + ` for 'window'.
	* **Find Closest Wall (Using standard math):**
		* Initialize ` + "`min_dist = float('inf')`" + ` and ` + "`closest_wall = None`" + `.
		* ` + "`hole_pos_2d = (position[0], position[1])`" + `
		* Loop through ` + "`wall_objects`" + `:
			* ` + "`wall_pos_2d = (wall.location[0], wall.location[1])`" + `
			* ` + "`dist = math.sqrt((hole_pos_2d[0] - wall_pos_2d[0])**2 + (hole_pos_2d[1] - wall_pos_2d[1])**2)`" + `
			* If ` + "`dist < min_dist`" + `: ` + "`min_dist = dist`" + `, ` + "`closest_wall = wall`" + `.
	* If ` + "`closest_wall is not None`" + `:
		* **Calculate 3D Cutter Location:** ` + "`cutter_location_3d = (position[0], position[1], hole_z_pos)`" + `. (This MUST be a 3D tuple).
		* **Create Cutter:** ` + "`bpy.ops.mesh.primitive_cube_add(location=cutter_location_3d)`" + `.
		* Get the cutter: ` + "`cutter = bpy.context.object`" + `.
		* Set cutter dimensions: ` + "`cutter.dimensions = hole_dims`" + `.
		* **Align Cutter:** ` + "`cutter.rotation_euler[2] = closest_wall.rotation_euler[2]`" + `.
		* **Apply Boolean (Follow exactly):**
			1.  ` + "`bpy.context.view_layer.objects.active = closest_wall`" + `
			2.  ` + "`mod = closest_wall.modifiers.new(name=\"Hole\", type='BOOLEAN')`" + `
			3.  ` + "`mod.object = cutter`" + `
			4.  ` + "`mod.operation = 'DIFFERENCE'`" + `
			5.  ` + "`bpy.ops.object.modifier_apply(modifier=mod.name)`" + `
			6.  ` + "`bpy.data.objects.remove(cutter, do_unlink=True)`" + `

---
**Sketch Data (sketch.json):**
` + "```json" + `
%s
` + "```" + `

---
**Final Script (Provide only this):**
`

// BuildPrompt returns the first-attempt instruction for a serialized SketchModel
func BuildPrompt(sketchJSON string) string {
	return strings.TrimSpace(fmt.Sprintf(generationTemplate, Preamble, strings.TrimSpace(sketchJSON)))
}

// BuildFixPrompt asks the model to repair code that failed to parse
func BuildFixPrompt(code, parseError string) string {
	return fmt.Sprintf(`
The following Blender Python script has a syntax error. Please fix it.

**Error:**
`+"```"+`
%s
`+"```"+`

**Incorrect Code:**
`+"```python"+`
%s
`+"```"+`

**Corrected Blender Python Script (code only):**
`, parseError, code)
}

// BuildRevisePrompt asks the model to apply a user request to an existing script
func BuildRevisePrompt(script, instruction string) string {
	return fmt.Sprintf(`You are a Blender Python script expert. The following script was generated for a house model. Please modify the script according to the user's request below.

**User Request:**
%s

**Original Script:**
`+"```python"+`
%s
`+"```"+`

**Modified Blender Python Script (code only):**`, instruction, script)
}
