package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"anoa.com/communityforum/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "communityforum.log"

// Setup points the standard logger at stdout and a rotating file in
// cfg.LogDir. The returned writer is meant for gin's request logger; close it
// on shutdown.
func Setup(cfg *config.Config) (io.WriteCloser, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, logFileName),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	out := &teeWriter{Writer: io.MultiWriter(os.Stdout, rotating), file: rotating}

	log.SetOutput(out)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Printf("logger: writing to %s", rotating.Filename)
	return out, nil
}

type teeWriter struct {
	io.Writer
	file *lumberjack.Logger
}

func (w *teeWriter) Close() error {
	log.SetOutput(os.Stderr)
	return w.file.Close()
}
