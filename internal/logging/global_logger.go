// Package logging wires the shared logrus instance, optional rotating file
// output and the gin access log into one place.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once

	writerMu   sync.Mutex
	fileWriter *lumberjack.Logger

	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// lineFormatter renders entries as "[ts] [level] [file:line] message".
type lineFormatter struct{}

func (lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}
	ts := entry.Time.Format("2006-01-02 15:04:05")
	msg := strings.TrimRight(entry.Message, "\r\n")
	if entry.Caller != nil {
		fmt.Fprintf(buf, "[%s] [%s] [%s:%d] %s\n", ts, entry.Level, filepath.Base(entry.Caller.File), entry.Caller.Line, msg)
	} else {
		fmt.Fprintf(buf, "[%s] [%s] %s\n", ts, entry.Level, msg)
	}
	return buf.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and redirects gin's
// own writers through it. Safe to call more than once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(lineFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultWriter = ginInfoWriter
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...any) {
			log.StandardLogger().Infof(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ConfigureLogOutput switches the global log destination to a rotating file
// when path is non-empty, or back to stdout.
func ConfigureLogOutput(path string) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if path == "" {
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	fileWriter = &lumberjack.Logger{
		Filename: path,
		MaxSize:  10, // megabytes per file before rotation
	}
	log.SetOutput(fileWriter)
	return nil
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
