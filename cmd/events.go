package main

import (
	"log"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/irfansharif/vtex/internal/app"
	"github.com/irfansharif/vtex/internal/geom"
	"github.com/irfansharif/vtex/internal/render"
)

const repeatInterval = 125 * time.Millisecond // time between successive pans when pressed down
const basePanDistance = 100.0

// EventHandlers manages all event handling for the application.
type EventHandlers struct {
	application *app.App
	window      *glfw.Window
	renderer    *render.Renderer

	// J/K/H/L allow panning across through keypresses. They also do so
	// continuously if held.
	panKeyHeld                   bool
	panDirectionX, panDirectionY float64
	lastPanTime                  time.Time

	// Drag/pan state (per-gesture), captured on mouse press.
	isDragging                       bool
	dragStartMouseX, dragStartMouseY float64
	dragStartPanX, dragStartPanY     float64

	// Current mouse position in canvas coordinates.
	mouseCanvas geom.Point

	// Input buffer for numeric input (batch operations). Accumulates digits
	// until an action key (C, D) is pressed.
	inputBuffer string
}

// NewEventHandlers creates a new event handlers manager.
func NewEventHandlers(application *app.App, window *glfw.Window, renderer *render.Renderer) *EventHandlers {
	eh := &EventHandlers{
		application: application,
		window:      window,
		renderer:    renderer,
		lastPanTime: time.Now(),
	}
	eh.SetupCallbacks(window)
	return eh
}

// SetupCallbacks configures all GLFW event callbacks.
func (eh *EventHandlers) SetupCallbacks(window *glfw.Window) {
	window.SetKeyCallback(func(wnd *glfw.Window, key glfw.Key, _ int, action glfw.Action, mods glfw.ModifierKey) {
		eh.handleKey(key, action, mods) // for various actions
	})
	window.SetMouseButtonCallback(func(wnd *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		eh.handleMouseButton(button, action) // for panning
	})
	window.SetCursorPosCallback(func(wnd *glfw.Window, xpos, ypos float64) {
		eh.handleCursorPos(xpos, ypos) // for tracking where the mouse currently is
	})
	window.SetScrollCallback(func(wnd *glfw.Window, _, zoomDelta float64) {
		eh.performZoom(zoomDelta) // for zooming
	})
	window.SetFramebufferSizeCallback(func(wnd *glfw.Window, newW, newH int) {
		eh.handleFramebufferSize(newW, newH) // for window resize
	})
}

// updateRendererView updates the renderer with the current view state and
// framebuffer size.
func (eh *EventHandlers) updateRendererView() {
	view := eh.application.View
	eh.renderer.SetView(view.Width, view.Height, view.WorldToScreen())
}

// handleFramebufferSize handles window resize events.
func (eh *EventHandlers) handleFramebufferSize(newW, newH int) {
	eh.application.View.SetViewport(newW, newH)
	eh.updateRendererView()
}

// handleKey handles keyboard input events.
func (eh *EventHandlers) handleKey(key glfw.Key, action glfw.Action, mods glfw.ModifierKey) {
	if action == glfw.Press {
		// Handle number keys for input.
		if key >= glfw.Key0 && key <= glfw.Key9 {
			eh.inputBuffer += string(rune('0' + int(key-glfw.Key0)))
			return
		}

		// Handle Escape key to clear input buffer.
		if key == glfw.KeyEscape {
			eh.inputBuffer = ""
			return
		}

		// Clear input buffer on non-input keys (except C, D which are action
		// keys).
		if !(key == glfw.KeyC || key == glfw.KeyD) {
			eh.inputBuffer = ""
		}
	}

	switch key {
	case glfw.KeyR:
		if action == glfw.Press {
			eh.handleResetKey()
		}
	case glfw.KeyC:
		if action == glfw.Press {
			eh.handleCreateKey()
		}
	case glfw.KeyD:
		if action == glfw.Press {
			eh.handleDeleteKey()
		}
	case glfw.KeyF:
		if action == glfw.Press {
			eh.application.System.FlushCache()
		}
	case glfw.KeyV:
		if action == glfw.Press {
			eh.renderer.SetOverlay(!eh.renderer.Overlay())
		}
	case glfw.KeyP:
		if action == glfw.Press {
			eh.handlePrintKey()
		}
	case glfw.KeyTab:
		if action == glfw.Press {
			next := true
			if (mods & glfw.ModShift) != 0 {
				next = false
			}
			eh.handlePlacementNavigation(next)
		}
	case glfw.KeyJ:
		eh.handlePanKeys(action, 0 /*dx*/, -1 /*dy*/) // pan down
	case glfw.KeyK:
		eh.handlePanKeys(action, 0 /*dx*/, 1 /*dy*/) // pan up
	case glfw.KeyH:
		eh.handlePanKeys(action, 1 /*dx*/, 0 /*dy*/) // pan right
	case glfw.KeyL:
		eh.handlePanKeys(action, -1 /*dx*/, 0 /*dy*/) // pan left
	case glfw.KeyEqual:
		if action == glfw.Press && (mods&glfw.ModSuper) != 0 {
			eh.performZoom(1) // zoom in
		}
	case glfw.KeyMinus:
		if action == glfw.Press && (mods&glfw.ModSuper) != 0 {
			eh.performZoom(-1) // zoom out
		}
	}
}

// handlePanKeys handles j/k/h/l key presses, and also releases for
// continuous panning.
func (eh *EventHandlers) handlePanKeys(action glfw.Action, dx, dy float64) {
	switch action {
	case glfw.Press:
		eh.panKeyHeld = true
		eh.panDirectionX = dx
		eh.panDirectionY = dy
		eh.performPan(dx, dy)
		eh.lastPanTime = time.Now()

	case glfw.Release:
		eh.panKeyHeld = false

	case glfw.Repeat:
		// Ignore repeat events - we handle continuous panning ourselves to
		// ensure consistent timing.
	}
}

// performPan executes a single pan operation. Pan is in screen pixels, so
// the distance is fixed on screen whatever the zoom.
func (eh *EventHandlers) performPan(dx, dy float64) {
	eh.application.View.PanBy(dx*basePanDistance, dy*basePanDistance)
	eh.updateRendererView()

	mouseX, mouseY := eh.window.GetCursorPos()
	eh.updateMouseCanvasPos(mouseX, mouseY)
}

// handleResetKey handles R key press (reset zoom and pan to the closest
// placement, and also set cursor for subsequent tabs/shift+tabs).
func (eh *EventHandlers) handleResetKey() {
	scene := eh.application.Scene
	placements := scene.FindClosest(eh.mouseCanvas.X, eh.mouseCanvas.Y)
	if len(placements) > 0 {
		p := placements[0]
		eh.application.View.ResetTo(p.CanvasPos)
		scene.SetCurrent(p)
	}

	eh.updateRendererView()
	mouseX, mouseY := eh.window.GetCursorPos()
	eh.updateMouseCanvasPos(mouseX, mouseY)
}

// handlePrintKey handles P key press: prints system stats and what the page
// table holds under the cursor.
func (eh *EventHandlers) handlePrintKey() {
	eh.application.System.PrintStats()
	res, ok := eh.application.Resolve(eh.mouseCanvas)
	if !ok {
		log.Printf("(%.0f,%.0f): no texture", eh.mouseCanvas.X, eh.mouseCanvas.Y)
		return
	}
	if !res.Mapped {
		log.Printf("(%.0f,%.0f): placement %d (%s) level %d unmapped",
			eh.mouseCanvas.X, eh.mouseCanvas.Y, res.Placement.ID, res.Placement.Kind, res.Level)
		return
	}
	log.Printf("(%.0f,%.0f): placement %d (%s) level %d -> tile %v holding level %d",
		eh.mouseCanvas.X, eh.mouseCanvas.Y, res.Placement.ID, res.Placement.Kind, res.Level, res.Physical, res.MappedLevel)
}

// handleContinuousPanning handles continuous panning while pan keys are held.
func (eh *EventHandlers) handleContinuousPanning() {
	if !eh.panKeyHeld {
		return // nothing to do
	}

	now := time.Now()
	if now.Sub(eh.lastPanTime) < repeatInterval {
		return // not enough time has passed since the last pan
	}

	eh.performPan(eh.panDirectionX, eh.panDirectionY)
	eh.lastPanTime = now
}

// handleMouseButton handles mouse button events for panning.
func (eh *EventHandlers) handleMouseButton(button glfw.MouseButton, action glfw.Action) {
	if button != glfw.MouseButtonLeft {
		return // nothing to do
	}

	switch action {
	case glfw.Press:
		eh.startPanning()
	case glfw.Release:
		eh.stopPanning()
	}
}

// framebufferPos converts window coordinates to framebuffer pixels.
func (eh *EventHandlers) framebufferPos(mouseX, mouseY float64) geom.Point {
	scaleX, scaleY := eh.window.GetContentScale()
	return geom.MakePoint(mouseX*float64(scaleX), mouseY*float64(scaleY))
}

// updateMouseCanvasPos recalculates mouse position in canvas coordinates after
// view changes.
func (eh *EventHandlers) updateMouseCanvasPos(mouseX, mouseY float64) {
	eh.mouseCanvas = eh.application.View.ScreenToWorld().MulPoint(eh.framebufferPos(mouseX, mouseY))
}

// handleCursorPos handles mouse movement for panning.
func (eh *EventHandlers) handleCursorPos(xpos, ypos float64) {
	eh.updateMouseCanvasPos(xpos, ypos)
	eh.updatePanning(xpos, ypos)
}

// startPanning starts the panning operation.
func (eh *EventHandlers) startPanning() {
	eh.isDragging = true
	eh.dragStartMouseX, eh.dragStartMouseY = eh.window.GetCursorPos()
	view := eh.application.View
	eh.dragStartPanX, eh.dragStartPanY = view.PanX, view.PanY
}

// stopPanning ends panning operation.
func (eh *EventHandlers) stopPanning() {
	eh.isDragging = false
}

// updatePanning updates pan position based on mouse movement.
func (eh *EventHandlers) updatePanning(xpos, ypos float64) {
	if !eh.isDragging {
		return
	}

	scaleX, scaleY := eh.window.GetContentScale()
	dx := (xpos - eh.dragStartMouseX) * float64(scaleX)
	dy := (ypos - eh.dragStartMouseY) * float64(scaleY)

	eh.application.View.SetPan(eh.dragStartPanX+dx, eh.dragStartPanY+dy)
	eh.updateRendererView() // direct update for maximum smoothness
}

// performZoom handles zoom operations with cursor-centered zooming.
func (eh *EventHandlers) performZoom(zoomDelta float64) {
	mouseX, mouseY := eh.window.GetCursorPos()

	// Apply zoom with responsive increments for smooth zooming.
	zoomFactor := 1.0 + zoomDelta*0.15
	eh.application.View.ZoomAt(eh.framebufferPos(mouseX, mouseY), zoomFactor)
	eh.updateRendererView() // direct update for maximum smoothness
}

// handleCreateKey handles C key press (create a single placement or a batch
// laid out in a grid).
func (eh *EventHandlers) handleCreateKey() {
	batchCount := eh.parseCount()

	// Always start at the current cursor position for batch creation.
	start := eh.mouseCanvas

	opts := eh.application.Options()
	spacing := float64(opts.MaxTiles*opts.TileSize) * 1.25
	jitter := float64(opts.TileSize)
	gridCols := int(math.Sqrt(float64(batchCount))) + 1

	for i := 0; i < batchCount; i++ {
		// Calculate grid offset with some randomization.
		col, row := i%gridCols, i/gridCols
		offsetX := float64(col)*spacing + rand.Float64()*jitter
		offsetY := float64(row)*spacing + rand.Float64()*jitter

		if _, err := eh.application.AddPlacement(start.X+offsetX, start.Y+offsetY); err != nil {
			log.Printf("WARNING: failed to place texture: %v", err)
			return
		}
	}
}

// handleDeleteKey handles D key press (delete closest placement or batch
// delete).
func (eh *EventHandlers) handleDeleteKey() {
	batchCount := eh.parseCount()
	if _, err := eh.application.RemoveClosest(eh.mouseCanvas.X, eh.mouseCanvas.Y, batchCount); err != nil {
		log.Fatalf("Failed to remove placement: %v", err)
	}
}

// handlePlacementNavigation handles tab and shift+tab key presses for
// placement navigation.
func (eh *EventHandlers) handlePlacementNavigation(next bool) {
	p := eh.application.Scene.Iter(next)
	if p == nil {
		return // nothing to do
	}

	// Reset zoom and pan to center of the placement.
	eh.application.View.ResetTo(p.CanvasPos)
	eh.updateRendererView()

	// After tabbing, set mouse position to the center of the selected
	// placement (helps with subsequent deletions, etc.)
	eh.mouseCanvas = p.CanvasPos
}

// parseCount consumes the input buffer as a batch count, 1 if empty.
func (eh *EventHandlers) parseCount() int {
	input := eh.inputBuffer
	eh.inputBuffer = ""
	if input == "" {
		return 1
	}
	count, err := strconv.Atoi(input)
	if err != nil || count < 1 {
		return 1
	}
	return count
}
