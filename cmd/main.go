package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/irfansharif/vtex/internal/app"
	"github.com/irfansharif/vtex/internal/config"
	"github.com/irfansharif/vtex/internal/geom"
	"github.com/irfansharif/vtex/internal/gpu"
	"github.com/irfansharif/vtex/internal/gpu/glbackend"
	"github.com/irfansharif/vtex/internal/render"
	"github.com/irfansharif/vtex/internal/vt"
)

const logFlags = log.Ltime | log.Lshortfile

var runtimeLogger *log.Logger = log.New(io.Discard, "", 0)

var (
	configPath    = flag.String("config", "", "path to a TOML configuration file")
	headless      = flag.Bool("headless", false, "run a scripted simulation without a window")
	frames        = flag.Int("frames", 600, "frames to simulate when headless")
	width         = flag.Int("width", 1280, "viewport width")
	height        = flag.Int("height", 960, "viewport height")
	textures      = flag.Int("textures", 6, "virtual textures to place initially")
	validate      = flag.Bool("validate", false, "validate system invariants periodically")
	maxUploads    = flag.Int("max-uploads", -1, "override the per-frame upload budget")
	feedbackScale = flag.Int("feedback-scale", 0, "override the feedback downscaling factor")
)

func init() {
	// OpenGL contexts are tied to specific OS threads - let's pin to just one.
	runtime.LockOSThread()
	log.SetFlags(logFlags)

	if os.Getenv("VTEX_DEBUG_RUNTIME") == "1" {
		runtimeLogger = log.New(os.Stdout, "[runtime] ", log.Ltime|log.Lmsgprefix)
	}
}

func makeTitle(fps float64, avgFrameTime float64, renderStats render.Stats, st vt.Stats) string {
	occupied, slots := 0, 0
	for _, ps := range st.PhysicalSpaces {
		occupied += ps.Occupied
		slots += ps.Slots
	}
	return fmt.Sprintf("vtex (%.1f FPS, %.2fms/frame, %d textures, %d/%d tiles resident, %d/%d loads, %d triangles, %.2fµs/draw)",
		fps,
		avgFrameTime,
		st.Textures,
		occupied, slots,
		st.LastFrame.LoadsProduced, st.LastFrame.LoadsRequested,
		renderStats.Triangles,
		renderStats.LastDrawTimeUs,
	)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *maxUploads >= 0 {
		cfg.MaxUploadsPerFrame = *maxUploads
	}
	opts := app.DefaultOptions()
	if *feedbackScale > 0 {
		opts.FeedbackScale = *feedbackScale
	}

	if *headless {
		runHeadless(cfg, opts)
		return
	}
	runWindow(cfg, opts)
}

// placeInitial lays the initial textures out on a grid centered in the view.
func placeInitial(application *app.App, n int) {
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	spacing := float64(application.Options().MaxTiles*application.Options().TileSize) * 1.25
	center := application.View.Center()
	origin := center.Sub(geom.MakePoint(spacing*float64(cols-1)/2, spacing*float64((n-1)/max(cols, 1))/2))
	for i := 0; i < n; i++ {
		pos := origin.Add(geom.MakePoint(float64(i%cols)*spacing, float64(i/cols)*spacing))
		if _, err := application.AddPlacement(pos.X, pos.Y); err != nil {
			log.Fatalf("Failed to place texture %d: %v", i, err)
		}
	}
}

// runHeadless flies the camera over the scene on a fixed script: a slow
// zoom oscillation spanning every mip level, with a drift across the canvas.
func runHeadless(cfg config.Config, opts app.Options) {
	device := gpu.NewHeadless()
	system := vt.New(cfg, device)
	defer system.Close()

	application := app.New(system, device, app.NewView(*width, *height), seed(), opts)
	placeInitial(application, *textures)
	center := application.View.Center()

	start := time.Now()
	var produced, requested int64
	for f := 0; f < *frames; f++ {
		phase := float64(f) / 120
		application.View.SetZoom(math.Exp2(3 * math.Sin(phase)))
		application.View.SetPan(200*math.Sin(phase*0.7), 150*math.Cos(phase*0.5))

		// Churn the scene: every so often swap the closest texture out.
		if f > 0 && f%200 == 0 {
			world := application.View.ScreenToWorld().MulPoint(center)
			if _, err := application.RemoveClosest(world.X, world.Y, 1); err != nil {
				log.Fatalf("Failed to remove texture: %v", err)
			}
			if _, err := application.AddPlacement(world.X, world.Y); err != nil {
				log.Fatalf("Failed to place texture: %v", err)
			}
		}

		if err := application.Step(); err != nil {
			log.Fatalf("Frame %d failed: %v", f, err)
		}
		st := system.Stats()
		produced += st.LastFrame.LoadsProduced
		requested += st.LastFrame.LoadsRequested

		if *validate && f%100 == 0 {
			if err := system.Validate(); err != nil {
				log.Fatalf("Frame %d invalid: %v", f, err)
			}
		}
		if f%100 == 0 {
			runtimeLogger.Printf("frame %d: zoom %.3f, %d/%d loads", f, application.View.Zoom, st.LastFrame.LoadsProduced, st.LastFrame.LoadsRequested)
			system.PrintStats()
		}
	}
	if err := system.LoadPendingTiles(); err != nil {
		log.Fatalf("Failed to load pending tiles: %v", err)
	}
	if *validate {
		if err := system.Validate(); err != nil {
			log.Fatalf("Final state invalid: %v", err)
		}
	}

	elapsed := time.Since(start)
	ds := device.Stats()
	log.Printf("%d frames in %s (%.2fms/frame): %d/%d loads produced, %d uploads, %d copies",
		*frames, elapsed.Round(time.Millisecond), float64(elapsed.Microseconds())/1000/float64(max(*frames, 1)),
		produced, requested, ds.Uploads, ds.Copies)
	system.PrintStats()
	if err := application.Close(); err != nil {
		log.Fatalf("Failed to release textures: %v", err)
	}
}

func runWindow(cfg config.Config, opts app.Options) {
	if err := glfw.Init(); err != nil {
		log.Fatalf("Failed to initialize GLFW: %v", err)
	}
	defer glfw.Terminate()

	// Configure GLFW window hints - use OpenGL 4.1.
	glfw.DefaultWindowHints()
	glfw.WindowHint(glfw.Resizable, glfw.True)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)

	window, err := glfw.CreateWindow(*width, *height, "vtex", nil, nil)
	if err != nil {
		log.Fatalf("Failed to create window: %v", err)
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		log.Fatalf("Failed to initialize OpenGL: %v", err)
	}

	device := glbackend.New()
	defer device.Release()
	system := vt.New(cfg, device)
	defer system.Close()
	renderer, err := render.NewRenderer()
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}
	defer renderer.Release()

	cw, ch := window.GetFramebufferSize()
	application := app.New(system, device, app.NewView(cw, ch), seed(), opts)
	placeInitial(application, *textures)

	// Initialize event handlers.
	eventHandlers := NewEventHandlers(application, window, renderer)
	eventHandlers.updateRendererView()

	frameCount, frameTimeSum := 0, 0.0
	lastFPSUpdate := time.Now()

	// Main loop.
	for !window.ShouldClose() {
		frameStart := time.Now()

		eventHandlers.handleContinuousPanning()

		if err := application.Step(); err != nil {
			log.Fatalf("Update failed: %v", err)
		}

		w, h := window.GetFramebufferSize()
		gl.Viewport(0, 0, int32(w), int32(h))
		gl.ClearColor(0.15, 0.15, 0.15, 1)
		gl.Clear(gl.COLOR_BUFFER_BIT)

		if err := renderer.Draw(renderItems(application.DrawList())); err != nil {
			log.Fatalf("Draw failed: %v", err)
		}
		window.SwapBuffers()
		glfw.PollEvents()

		frameTime := time.Since(frameStart).Seconds() * 1000.0 // ms
		frameTimeSum += frameTime

		frameCount++
		now := time.Now()
		if now.Sub(lastFPSUpdate) >= time.Second {
			fps := float64(frameCount) / now.Sub(lastFPSUpdate).Seconds()
			avgFrameTime := frameTimeSum / float64(frameCount)
			frameCount, frameTimeSum = 0, 0.0
			lastFPSUpdate = now

			st := system.Stats()
			renderStats := renderer.Stats()
			window.SetTitle(makeTitle(fps, avgFrameTime, renderStats, st))

			runtimeLogger.Println("=== Performance statistics ===")
			runtimeLogger.Printf("Frame rate:     %.1f FPS (%.2f ms/frame)", fps, avgFrameTime)
			runtimeLogger.Printf("Paging:         %d/%d loads, %d mappings, %d page table quads (last frame)",
				st.LastFrame.LoadsProduced, st.LastFrame.LoadsRequested, st.LastFrame.Mappings, st.LastFrame.PageTableQuads)
			runtimeLogger.Printf("Render time:    %.2f µs (last draw), %.2f ms (last prepare)", renderStats.LastDrawTimeUs, renderStats.LastPrepareTimeMs)
			runtimeLogger.Println("==============================")

			system.PrintStats()
		}

		if *validate && frameCount%100 == 0 { // Periodically validate paging invariants.
			if err := system.Validate(); err != nil {
				log.Fatalf("Paging state invalid: %v", err)
			}
		}
	}

	if err := application.Close(); err != nil {
		log.Printf("Failed to release textures: %v", err)
	}
}

func renderItems(items []app.DrawItem) []render.Item {
	out := make([]render.Item, len(items))
	for i, it := range items {
		out[i] = render.Item{
			Bounds:      it.Bounds,
			PageTable:   it.PageTable,
			Format:      it.Format,
			Atlas:       it.Atlas,
			AtlasTiles:  it.AtlasTiles,
			TileSize:    it.TileSize,
			Border:      it.Border,
			BaseTile:    it.BaseTile,
			SizeInTiles: it.SizeInTiles,
			MaxLevel:    it.MaxLevel,
			Selected:    it.Selected,
		}
	}
	return out
}

func seed() int64 {
	seedStr := os.Getenv("VTEX_SEED")
	now := time.Now().Unix()
	if seedStr == "" {
		return now
	}
	seed, err := strconv.ParseInt(seedStr, 10, 64)
	if err != nil {
		log.Fatalf("Invalid VTEX_SEED value '%s': %v", seedStr, err)
	}
	return seed
}
