package render

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/gl/v4.1-core/gl"
)

// ShaderManager handles OpenGL shader program compilation, linking, and uniform
// management.
type ShaderManager struct {
	program  uint32           // program ID
	uniforms map[string]int32 // cached uniform locations
}

// Vertex shader shared by both programs. Applies the uniform transformation
// matrix and forwards the texture coordinate.
const vertexShaderSource = `
#version 330 core
layout (location = 0) in vec2 aPos;
layout (location = 1) in vec2 aUV;

uniform mat4 uTransform;

out vec2 vUV;

void main() {
    gl_Position = uTransform * vec4(aPos, 0.0, 1.0);
    vUV = aUV;
}
` + "\x00"

// Page fragment shader. Picks a mip from the screen-space footprint, looks the
// virtual tile up in the page table and samples the physical tile it names out
// of the atlas. Unmapped pages render dark. With the overlay on, texels are
// tinted by the mip level of the tile they came from.
const pageFragmentShaderSource = `
#version 330 core
in vec2 vUV;
out vec4 FragColor;

uniform usampler2D uPageTable;
uniform sampler2D uAtlas;
uniform vec2 uBaseTile;
uniform vec2 uSizeInTiles;
uniform float uTileSize;
uniform float uBorder;
uniform float uAtlasTiles;
uniform int uMaxLevel;
uniform int uFormat16;
uniform int uOverlay;
uniform vec3 uLevelColors[16];

void main() {
    vec2 tile = uBaseTile + vUV * uSizeInTiles;
    vec2 texel = tile * uTileSize;
    float footprint = max(length(dFdx(texel)), length(dFdy(texel)));
    int level = clamp(int(floor(log2(max(footprint, 1.0)))), 0, uMaxLevel);

    uint entry = texelFetch(uPageTable, ivec2(floor(tile / exp2(float(level)))), level).r;
    uint invalid = uFormat16 == 1 ? 0xffffu : 0xffffffffu;
    if (entry == invalid) {
        FragColor = vec4(0.08, 0.08, 0.08, 1.0);
        return;
    }

    uint px, py, mapped;
    if (uFormat16 == 1) {
        px = entry & 0x3fu;
        py = (entry >> 6u) & 0x3fu;
        mapped = (entry >> 12u) & 0xfu;
    } else {
        px = entry & 0xfffu;
        py = (entry >> 12u) & 0xfffu;
        mapped = (entry >> 24u) & 0xfu;
    }

    vec2 within = fract(tile / exp2(float(mapped)));
    float phys = uTileSize + 2.0 * uBorder;
    vec2 at = (vec2(px, py) * phys + uBorder + within * uTileSize) / (uAtlasTiles * phys);
    vec4 color = textureLod(uAtlas, at, 0.0);
    if (uOverlay == 1) {
        color.rgb = mix(color.rgb, uLevelColors[mapped], 0.5);
    }
    FragColor = vec4(color.rgb, 1.0);
}
` + "\x00"

// Flat fragment shader. Used for outlines.
const flatFragmentShaderSource = `
#version 330 core
in vec2 vUV;
out vec4 FragColor;

uniform vec4 uColor;

void main() {
    FragColor = uColor;
}
` + "\x00"

// NewShaderManager compiles and links a program from the given sources.
func NewShaderManager(vertexSource, fragmentSource string) (*ShaderManager, error) {
	sm := &ShaderManager{uniforms: make(map[string]int32)}

	// Create and compile shaders.
	vertexShader, err := sm.compileShader(vertexSource, gl.VERTEX_SHADER)
	if err != nil {
		return nil, errors.Wrap(err, "vertex shader")
	}
	defer gl.DeleteShader(vertexShader)

	fragmentShader, err := sm.compileShader(fragmentSource, gl.FRAGMENT_SHADER)
	if err != nil {
		return nil, errors.Wrap(err, "fragment shader")
	}
	defer gl.DeleteShader(fragmentShader)

	// Link shader program.
	sm.program = gl.CreateProgram()
	gl.AttachShader(sm.program, vertexShader)
	gl.AttachShader(sm.program, fragmentShader)
	gl.LinkProgram(sm.program)

	// Check linking status.
	var status int32
	gl.GetProgramiv(sm.program, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetProgramiv(sm.program, gl.INFO_LOG_LENGTH, &logLength)
		logText := strings.Repeat("\x00", int(logLength+1))
		gl.GetProgramInfoLog(sm.program, logLength, nil, gl.Str(logText))
		gl.DeleteProgram(sm.program)
		return nil, errors.Newf("shader linking failed: %s", strings.TrimRight(logText, "\x00"))
	}
	return sm, nil
}

// Use binds the program.
func (sm *ShaderManager) Use() { gl.UseProgram(sm.program) }

// Uniform returns the location of the named uniform, -1 if the program
// doesn't use it.
func (sm *ShaderManager) Uniform(name string) int32 {
	if loc, ok := sm.uniforms[name]; ok {
		return loc
	}
	loc := gl.GetUniformLocation(sm.program, gl.Str(name+"\x00"))
	sm.uniforms[name] = loc
	return loc
}

// SetTransform sets the uniform transformation matrix.
func (sm *ShaderManager) SetTransform(matrix [16]float32) {
	gl.UniformMatrix4fv(sm.Uniform("uTransform"), 1, false, &matrix[0])
}

// Release deletes the program.
func (sm *ShaderManager) Release() { gl.DeleteProgram(sm.program) }

// compileShader compiles a single shader from source.
func (sm *ShaderManager) compileShader(source string, shaderType uint32) (uint32, error) {
	shader := gl.CreateShader(shaderType)
	csource, free := gl.Strs(source)
	gl.ShaderSource(shader, 1, csource, nil)
	free()
	gl.CompileShader(shader)

	// Check compilation status.
	var status int32
	gl.GetShaderiv(shader, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var logLength int32
		gl.GetShaderiv(shader, gl.INFO_LOG_LENGTH, &logLength)
		logText := strings.Repeat("\x00", int(logLength+1))
		gl.GetShaderInfoLog(shader, logLength, nil, gl.Str(logText))
		gl.DeleteShader(shader)
		return 0, errors.Newf("shader compilation failed: %s", strings.TrimRight(logText, "\x00"))
	}

	return shader, nil
}
