package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/rigcap/internal/timebase"
	"github.com/e7canasta/rigcap/internal/types"
)

// MockEncoder generates synthetic access units for testing and for rigs
// without a camera
type MockEncoder struct {
	cfg   Config
	clock timebase.DeviceClock

	framesCh chan types.Frame
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu            sync.RWMutex
	seq           uint64
	framesEmitted uint64
	keyframes     uint64
	bytes         uint64
	isRunning     bool
	startTime     time.Time
}

// NewMockEncoder creates a mock encoder. A sync point is emitted every
// cfg.KeyframeInterval frames.
func NewMockEncoder(cfg Config, clock timebase.DeviceClock) *MockEncoder {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS
	}
	return &MockEncoder{
		cfg:      cfg,
		clock:    clock,
		framesCh: make(chan types.Frame, cfg.FPS*2),
		stopCh:   make(chan struct{}),
	}
}

// Start begins generating frames
func (m *MockEncoder) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("encoder: already running")
	}
	m.isRunning = true
	m.startTime = time.Now()
	m.mu.Unlock()

	slog.Info("encoder: mock starting",
		"fps", m.cfg.FPS,
		"keyframe_interval", m.cfg.KeyframeInterval,
	)

	m.wg.Add(1)
	go m.generateFrames(ctx)
	return nil
}

// Frames returns the frames channel
func (m *MockEncoder) Frames() <-chan types.Frame {
	return m.framesCh
}

// Stop stops the generator and closes the frame channel
func (m *MockEncoder) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.framesCh)

	slog.Info("encoder: mock stopped",
		"frames_emitted", m.framesEmitted,
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Stats returns encoder statistics
func (m *MockEncoder) Stats() types.EncoderStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var fpsReal float64
	if m.isRunning && m.framesEmitted > 0 {
		if elapsed := time.Since(m.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(m.framesEmitted) / elapsed
		}
	}
	return types.EncoderStats{
		FrameCount:  m.framesEmitted,
		Keyframes:   m.keyframes,
		FPSTarget:   m.cfg.FPS,
		FPSReal:     fpsReal,
		Resolution:  fmt.Sprintf("%dx%d", m.cfg.Width, m.cfg.Height),
		BytesRead:   m.bytes,
		IsConnected: m.isRunning,
	}
}

func (m *MockEncoder) generateFrames(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			frame := m.Next()
			select {
			case m.framesCh <- frame:
				m.mu.Lock()
				m.framesEmitted++
				m.mu.Unlock()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}
}

// Next builds the next synthetic frame. The payload starts with an Annex B
// start code followed by an IDR or non-IDR slice NAL header.
func (m *MockEncoder) Next() types.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	key := seq%uint64(m.cfg.KeyframeInterval) == 0
	size := 64
	if key {
		size = 512
		m.keyframes++
	}
	m.bytes += uint64(size)
	m.mu.Unlock()

	data := make([]byte, size)
	copy(data, []byte{0, 0, 0, 1})
	if key {
		data[4] = 0x65
	} else {
		data[4] = 0x41
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: m.clock.Now(),
		SyncPoint: key,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}
