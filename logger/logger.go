package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	AppLogger   *log.Logger
	ProxyLogger *log.Logger
	ErrorLogger *log.Logger

	logLevel     string
	appLogFile   *os.File
	proxyLogFile *os.File
	initialized  bool
	mu           sync.Mutex
)

var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

func InitGlobalLoggers(appLogPath, proxyLogPath, level string) error {
	mu.Lock()
	defer mu.Unlock()

	if initialized && appLogFile != nil && proxyLogFile != nil && strings.ToUpper(level) == logLevel {
		return nil
	}
	if appLogFile != nil {
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		proxyLogFile.Close()
		proxyLogFile = nil
	}

	logLevel = normalizeLevel(level)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)

	var appWriter io.Writer
	appWriter, appLogFile = openLogFile(appLogPath, "app")
	AppLogger = log.New(appWriter, "APP: ", log.Ldate|log.Ltime|log.Lshortfile)

	var proxyWriter io.Writer
	proxyWriter, proxyLogFile = openLogFile(proxyLogPath, "proxy")
	ProxyLogger = log.New(proxyWriter, "PROXY: ", log.Ldate|log.Ltime|log.Lshortfile)

	if !initialized {
		AppLogger.Printf("App logger initialized. Log level: %s. Output file: %s", logLevel, describe(appLogFile, appLogPath))
		ProxyLogger.Printf("Proxy logger initialized. Log level: %s. Output file: %s", logLevel, describe(proxyLogFile, proxyLogPath))
	}
	initialized = true
	return nil
}

// SetOutput points every logger at w and sets the level. Used by tests and
// by commands that print to the terminal instead of log files.
func SetOutput(w io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	logLevel = normalizeLevel(level)
	AppLogger = log.New(w, "APP: ", log.Lmsgprefix)
	ProxyLogger = log.New(w, "PROXY: ", log.Lmsgprefix)
	ErrorLogger = log.New(w, "ERROR: ", log.Lmsgprefix)
}

func Level() string {
	mu.Lock()
	defer mu.Unlock()
	return logLevel
}

func normalizeLevel(level string) string {
	l := strings.ToUpper(strings.TrimSpace(level))
	if _, ok := levelRank[l]; !ok {
		return "INFO"
	}
	return l
}

func openLogFile(path, kind string) (io.Writer, *os.File) {
	if path == "" {
		return io.Discard, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		ErrorLogger.Printf("Failed to create %s log directory %s: %v. Logs will be discarded.", kind, dir, err)
		return io.Discard, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		ErrorLogger.Printf("Failed to open %s log file %s: %v. Logs will be discarded.", kind, path, err)
		return io.Discard, nil
	}
	return f, f
}

func describe(f *os.File, path string) string {
	if f == nil {
		return "(discarded)"
	}
	return path
}

func enabled(level string) bool {
	return levelRank[level] >= levelRank[logLevel]
}

func Info(format string, v ...interface{}) {
	if AppLogger != nil && enabled("INFO") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Debug(format string, v ...interface{}) {
	if AppLogger != nil && enabled("DEBUG") {
		AppLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	if AppLogger != nil && enabled("WARN") {
		AppLogger.Output(2, "WARN: "+fmt.Sprintf(format, v...))
	}
}

func Error(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if AppLogger != nil && appLogFile != nil {
		AppLogger.Output(2, message)
	}
}

func Fatal(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Fatal(message)
	} else {
		log.Fatal(message)
	}
}

func ProxyInfo(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("INFO") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyDebug(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("DEBUG") {
		ProxyLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

func ProxyWarn(format string, v ...interface{}) {
	if ProxyLogger != nil && enabled("WARN") {
		ProxyLogger.Output(2, "WARN: "+fmt.Sprintf(format, v...))
	}
}

func ProxyError(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if ProxyLogger != nil && proxyLogFile != nil {
		ProxyLogger.Output(2, message)
	}
}

func CloseLogFiles() {
	mu.Lock()
	defer mu.Unlock()
	if appLogFile != nil {
		AppLogger.Println("Closing app log file.")
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		ProxyLogger.Println("Closing proxy log file.")
		proxyLogFile.Close()
		proxyLogFile = nil
	}
	initialized = false
}
