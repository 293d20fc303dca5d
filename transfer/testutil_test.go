package transfer

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"chatstore/trust"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fileServer struct {
	*httptest.Server
	hits atomic.Int32
}

// chunkedHandler serves body in the given chunk sizes, flushing after each,
// with an accurate Content-Length. between runs after every chunk but the last.
func chunkedHandler(body []byte, chunks []int, between func(r *http.Request, index int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)

		offset := 0
		for i, size := range chunks {
			_, _ = w.Write(body[offset : offset+size])
			offset += size
			if flusher, ok := w.(http.Flusher); ok {
				flusher.Flush()
			}
			if between != nil && i < len(chunks)-1 {
				between(r, i)
			}
		}
	}
}

func newFileServer(t *testing.T, handler http.Handler) (*fileServer, trust.Provider) {
	t.Helper()

	fs := &fileServer{}
	fs.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(fs.Close)

	roots := x509.NewCertPool()
	roots.AddCert(fs.Certificate())
	return fs, trust.Static(&tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12})
}

func newTestEngine(t *testing.T, provider trust.Provider, mutate func(*EngineOptions)) *Engine {
	t.Helper()

	root := t.TempDir()
	options := EngineOptions{
		Trust:       provider,
		DownloadDir: filepath.Join(root, "Downloads", "chatstore"),
		StagingDir:  filepath.Join(root, "staging"),
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&options)
	}

	engine, err := NewEngine(options)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func payload(size int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
