package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"local-relay/codec"
	"local-relay/correlation"
	"local-relay/message"
	"local-relay/protocol"
)

// CheckpointEnv names the variable through which the model process learns its
// checkpoint path.
const CheckpointEnv = "RELAY_MODEL_CHECKPOINT"

// InitError reports a backend that cannot start. Remediation is meant for the
// operator and is printed by the server binary before it exits.
type InitError struct {
	Component   string
	Path        string
	Err         error
	Remediation string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("inference: %s %q: %v", e.Component, e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ErrProcessBroken is returned once an exchange with the model process failed
// midway; its stream position is unknown after that.
var ErrProcessBroken = errors.New("inference: model process unusable")

// ProcessConfig describes an external model process.
type ProcessConfig struct {
	Command         []string
	Checkpoint      string
	MaxMessageBytes uint32
}

// ProcessSegmenter talks to a long-lived model process over its stdin and stdout
// using the relay framing. Requests are SegmentRequest objects whose bbox is
// always fully populated; replies are SegmentResponse objects.
type ProcessSegmenter struct {
	mu     sync.Mutex // one exchange at a time
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	max    uint32
	broken error
	logger zerolog.Logger
}

// Open verifies the command and checkpoint and starts the process.
func Open(cfg ProcessConfig, logger zerolog.Logger) (*ProcessSegmenter, error) {
	if len(cfg.Command) == 0 {
		return nil, &InitError{
			Component:   "model command",
			Err:         errors.New("not configured"),
			Remediation: "set server.model_command in the config file or pass --model-cmd",
		}
	}
	bin, err := exec.LookPath(cfg.Command[0])
	if err != nil {
		return nil, &InitError{
			Component:   "model command",
			Path:        cfg.Command[0],
			Err:         err,
			Remediation: "install the model runner or point --model-cmd at its executable",
		}
	}
	if cfg.Checkpoint != "" {
		if _, err := os.Stat(cfg.Checkpoint); err != nil {
			return nil, &InitError{
				Component:   "checkpoint",
				Path:        cfg.Checkpoint,
				Err:         err,
				Remediation: "download the model checkpoint to this path or pass --checkpoint",
			}
		}
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 100 * 1024 * 1024
	}

	cmd := exec.Command(bin, cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), CheckpointEnv+"="+cfg.Checkpoint)
	cmd.Stderr = logger.With().Str("stream", "model").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("inference: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("inference: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &InitError{
			Component:   "model command",
			Path:        bin,
			Err:         err,
			Remediation: "check that the model runner is executable",
		}
	}
	logger.Info().Str("command", bin).Str("checkpoint", cfg.Checkpoint).Int("pid", cmd.Process.Pid).Msg("Model process started")

	return &ProcessSegmenter{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		max:    cfg.MaxMessageBytes,
		logger: logger,
	}, nil
}

func (p *ProcessSegmenter) Segment(ctx context.Context, img image.Image, box Box) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessBroken, p.broken)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("inference: encode image: %w", err)
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	x1, y1, x2, y2 := box.X1, box.Y1, box.X2, box.Y2
	requestID, _ := correlation.FromContext(ctx)
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.SegmentRequest{
		RequestID:   requestID,
		ImageBase64: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Width:       w,
		Height:      h,
		BBox:        &message.BBox{X1: &x1, Y1: &y1, X2: &x2, Y2: &y2},
	})
	if err != nil {
		return nil, err
	}

	// a cancelled caller leaves the process mid-exchange; kill it rather than
	// read a stale reply on the next request
	stop := context.AfterFunc(ctx, func() { p.cmd.Process.Kill() })
	defer stop()

	reply, err := p.exchange(body)
	if err != nil {
		p.broken = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var resp message.SegmentResponse
	if err := codec.GetCodec(codec.CodecTypeJSON).Decode(reply, &resp); err != nil {
		p.broken = err
		return nil, fmt.Errorf("inference: model reply: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("inference: model: %s", resp.Error)
	}
	if resp.MaskWidth != w || resp.MaskHeight != h {
		return nil, fmt.Errorf("%w: model returned %dx%d for %dx%d", ErrMaskMismatch, resp.MaskWidth, resp.MaskHeight, w, h)
	}
	mask, err := base64.StdEncoding.DecodeString(resp.MaskBase64)
	if err != nil {
		return nil, fmt.Errorf("inference: model mask: %w", err)
	}
	return mask, nil
}

func (p *ProcessSegmenter) exchange(body []byte) ([]byte, error) {
	if err := protocol.WriteFrame(p.stdin, body); err != nil {
		return nil, fmt.Errorf("inference: write to model: %w", err)
	}
	reply, err := protocol.ReadFrame(p.stdout, p.max)
	if err != nil {
		return nil, fmt.Errorf("inference: read from model: %w", err)
	}
	return reply, nil
}

// Close ends the model process: stdin is closed so it can exit on EOF, and it
// is killed if it has not exited within timeout.
func (p *ProcessSegmenter) Close(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		if p.broken != nil {
			// killed or failed already; the exit status adds nothing
			return nil
		}
		return err
	case <-time.After(timeout):
		p.logger.Warn().Dur("timeout", timeout).Msg("Model process did not exit, killing")
		p.cmd.Process.Kill()
		<-done
		return nil
	}
}
