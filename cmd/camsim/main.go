// Command camsim is a producer simulator: it connects to the relay like a camera and sends
// tagged frames and motion events.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

type options struct {
	url         string
	camera      int
	size        int
	fps         float64
	motionEvery time.Duration
	frames      int
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws/camera", "Relay producer endpoint")
	flag.IntVar(&opts.camera, "camera", 1, "Identity tag written at byte 12 (1 or 2, 0 leaves frames untagged)")
	flag.IntVar(&opts.size, "size", 12*1024, "Frame size in bytes")
	flag.Float64Var(&opts.fps, "fps", 5, "Frames per second")
	flag.DurationVar(&opts.motionEvery, "motion-every", 3*time.Second, "Interval between motion events, 0 disables them")
	flag.IntVar(&opts.frames, "frames", 0, "Stop after this many frames, 0 runs until interrupted")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("simulator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func (o options) validate() error {
	var errs []error
	if o.camera < 0 || o.camera > 255 {
		errs = append(errs, fmt.Errorf("camera %d does not fit in a byte", o.camera))
	}
	if o.size <= model.IdentityOffset {
		errs = append(errs, fmt.Errorf("size must be larger than %d", model.IdentityOffset))
	}
	if o.fps <= 0 {
		errs = append(errs, errors.New("fps must be positive"))
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, logger *zap.Logger, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", opts.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()
	logger.Info("connected to relay", zap.String("url", opts.url), zap.Int("camera", opts.camera))

	closed := make(chan error, 1)
	go func() {
		// The relay never sends data to producers; this surfaces its close frame.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	frameTicker := time.NewTicker(time.Duration(float64(time.Second) / opts.fps))
	defer frameTicker.Stop()

	var motionC <-chan time.Time
	if opts.motionEvery > 0 {
		motionTicker := time.NewTicker(opts.motionEvery)
		defer motionTicker.Stop()
		motionC = motionTicker.C
	}

	frame := make([]byte, opts.size)
	detected := false
	sent := 0

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil

		case err := <-closed:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("relay closed connection: %d %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read: %w", err)

		case <-frameTicker.C:
			fillFrame(frame, uint32(sent), byte(opts.camera))
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			sent++
			if sent%50 == 0 {
				logger.Info("frames sent", zap.Int("count", sent))
			}
			if opts.frames > 0 && sent >= opts.frames {
				logger.Info("frame limit reached", zap.Int("count", sent))
				return nil
			}

		case <-motionC:
			detected = !detected
			payload, err := motionPayload(detected)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return fmt.Errorf("write motion event: %w", err)
			}
			logger.Debug("motion event sent", zap.Bool("detected", detected))
		}
	}
}

// fillFrame writes a JPEG-like header carrying seq and the identity tag, followed by a
// pattern derived from seq.
func fillFrame(frame []byte, seq uint32, tag byte) {
	copy(frame, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	binary.BigEndian.PutUint32(frame[4:8], seq)
	for i := 8; i < len(frame); i++ {
		frame[i] = byte(seq + uint32(i))
	}
	frame[model.IdentityOffset] = tag
}

func motionPayload(detected bool) ([]byte, error) {
	msg := model.ControlMessage{Type: model.MessageTypeMotion, Detected: &detected}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal motion event: %w", err)
	}
	return payload, nil
}
