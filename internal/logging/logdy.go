package logging

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/logdyhq/logdy-core/logdy"
	"github.com/rs/zerolog/log"

	"camera-gateway-go/internal/config"
)

// lineSink receives one log line at a time
type lineSink interface {
	LogString(value string) error
}

type logdyWriter struct {
	sink lineSink
}

// Write forwards each complete line to the Logdy UI. Logdy failures never
// fail the primary log output.
func (w *logdyWriter) Write(p []byte) (n int, err error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		_ = w.sink.LogString(string(line))
	}
	return len(p), nil
}

// StartLogdy starts embedded Logdy web UI and returns a writer to tee logs, plus the UI URL
func StartLogdy(cfg *config.Config) (io.Writer, string, error) {
	if cfg.LogdyPort <= 0 || cfg.LogdyPort > 65535 {
		return nil, "", fmt.Errorf("%w: LOGDY_PORT=%d", config.ErrInvalidValue, cfg.LogdyPort)
	}

	portStr := strconv.Itoa(cfg.LogdyPort)
	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: portStr,
	}, nil)

	url := fmt.Sprintf("http://%s:%s", cfg.LogdyHost, portStr)
	log.Info().Str("url", url).Msg("Logdy UI available")
	return &logdyWriter{sink: ld}, url, nil
}
