package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/phuslu/log"

	"etw_listener/internal/config"
)

const asyncChannelSize = 4096

type outputFactory func(out config.LogOutput) (log.Writer, error)

// outputFactories maps a [[logging.outputs]] type to its writer. The
// eventlog entry is platform specific.
var outputFactories = map[string]outputFactory{
	"console":  consoleOutput,
	"file":     fileOutput,
	"syslog":   syslogOutput,
	"eventlog": eventlogOutput,
}

func withAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

// createWriter returns the writer for one output, or nil when it is disabled.
func createWriter(out config.LogOutput) (log.Writer, error) {
	if !out.Enabled {
		return nil, nil
	}
	factory, ok := outputFactories[out.Type]
	if !ok {
		return nil, fmt.Errorf("unknown output type: %s", out.Type)
	}
	w, err := factory(out)
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", out.Type, err)
	}
	return w, nil
}

// newOutputWriter fans out to every enabled output, or to stderr when none is.
func newOutputWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers log.MultiEntryWriter
	for _, out := range outputs {
		w, err := createWriter(out)
		if err != nil {
			return nil, err
		}
		if w != nil {
			writers = append(writers, w)
		}
	}

	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	default:
		return &writers, nil
	}
}

func consoleOutput(out config.LogOutput) (log.Writer, error) {
	c := out.Console
	if c == nil {
		return nil, fmt.Errorf("missing console configuration")
	}

	var dst io.Writer
	switch c.Writer {
	case "", "stderr":
		dst = os.Stderr
	case "stdout":
		dst = os.Stdout
	default:
		return nil, fmt.Errorf("unknown console writer %q", c.Writer)
	}

	if c.FastIO {
		return withAsync(&log.IOWriter{Writer: dst}, c.Async), nil
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    c.ColorOutput,
		QuoteString:    c.QuoteString,
		EndWithMessage: true,
		Writer:         dst,
	}
	switch c.Format {
	case "", "auto":
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = GlogFormatter{}.Formatter
	default:
		return nil, fmt.Errorf("unknown console format %q", c.Format)
	}
	return withAsync(cw, c.Async), nil
}

func fileOutput(out config.LogOutput) (log.Writer, error) {
	f := out.File
	if f == nil {
		return nil, fmt.Errorf("missing file configuration")
	}
	if f.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	if f.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(f.Filename), 0755); err != nil {
			return nil, err
		}
	}

	return withAsync(&log.FileWriter{
		Filename:     f.Filename,
		FileMode:     0644,
		MaxSize:      f.MaxSize * 1024 * 1024,
		MaxBackups:   f.MaxBackups,
		TimeFormat:   mapTimeFormat(f.TimeFormat),
		LocalTime:    f.LocalTime,
		HostName:     f.HostName,
		ProcessID:    f.ProcessID,
		EnsureFolder: f.EnsureFolder,
	}, f.Async), nil
}

func syslogOutput(out config.LogOutput) (log.Writer, error) {
	s := out.Syslog
	if s == nil {
		return nil, fmt.Errorf("missing syslog configuration")
	}
	return withAsync(&log.SyslogWriter{
		Network:  s.Network,
		Address:  s.Address,
		Hostname: s.Hostname,
		Tag:      s.Tag,
		Marker:   s.Marker,
	}, s.Async), nil
}

// GlogFormatter writes entries in glog layout followed by the entry's
// fields as key=value pairs, so session and provider fields survive.
type GlogFormatter struct{}

func (GlogFormatter) Formatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	var b strings.Builder

	if a.Level != "" {
		b.WriteByte(a.Level[0] &^ 0x20) // upper case
	} else {
		b.WriteByte('?')
	}
	b.WriteString(a.Time)
	b.WriteByte(' ')
	b.WriteString(a.Goid)
	b.WriteByte(' ')
	b.WriteString(a.Caller)
	b.WriteString("] ")
	b.WriteString(a.Message)

	for _, kv := range a.KeyValues {
		b.WriteByte(' ')
		b.WriteString(kv.Key)
		b.WriteByte('=')
		if kv.ValueType == 's' && strings.ContainsAny(kv.Value, " \t\"=") {
			fmt.Fprintf(&b, "%q", kv.Value)
		} else {
			b.WriteString(kv.Value)
		}
	}
	b.WriteByte('\n')

	return io.WriteString(w, b.String())
}
