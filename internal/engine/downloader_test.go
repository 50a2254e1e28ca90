package engine

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsget/hlsget/internal/domain"
	"github.com/hlsget/hlsget/internal/infra/config"
	"github.com/hlsget/hlsget/internal/infra/logger"
	"github.com/hlsget/hlsget/internal/recovery"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{
		Download: config.DownloadConfig{
			OutDir:            filepath.Join(base, "out"),
			WorkDir:           filepath.Join(base, "work"),
			Concurrency:       4,
			GlobalConcurrency: 8,
			MaxRetries:        2,
		},
		Network: config.NetworkConfig{
			MaxPerHost:      4,
			MaxTotal:        8,
			IdleTimeout:     time.Minute,
			SweepInterval:   time.Minute,
			MinTimeout:      200 * time.Millisecond,
			MaxTimeout:      5 * time.Second,
			TimeoutMultiple: 3,
			UserAgent:       "hlsget-test",
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         100 * time.Millisecond,
			ProbeInterval:    10 * time.Millisecond,
			HostWait:         2 * time.Second,
		},
		Buffer: config.BufferConfig{
			DefaultSize: 64 * 1024,
			MaxSize:     1024 * 1024,
		},
	}

	require.NoError(t, os.MkdirAll(cfg.Download.OutDir, 0755))
	require.NoError(t, os.MkdirAll(cfg.Download.WorkDir, 0755))
	return cfg
}

func newEngineStore(t *testing.T) *recovery.SQLiteStore {
	t.Helper()
	s, err := recovery.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// tsSegment builds a structurally valid MPEG-TS payload with recognizable
// per-segment content.
func tsSegment(seed byte, packets int) []byte {
	data := make([]byte, packets*188)
	for i := range data {
		data[i] = seed + byte(i%97)
	}
	for off := 0; off < len(data); off += 188 {
		data[off] = 0x47
	}
	return data
}

func mediaPlaylist(n int, keyLine string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	if keyLine != "" {
		b.WriteString(keyLine + "\n")
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:4.000,\nseg%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) inc(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits[path]++
	return h.hits[path]
}

func (h *hitCounter) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func newOrigin(t *testing.T, mux *http.ServeMux) (*httptest.Server, *hitCounter) {
	t.Helper()
	counter := &hitCounter{hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.inc(r.URL.Path)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, counter
}

func newTask(t *testing.T, cfg *config.Config, store recovery.Store, id, playlistURL string) *domain.DownloadTask {
	t.Helper()
	task := &domain.DownloadTask{
		ID:          id,
		PlaylistURL: playlistURL,
		OutputPath:  filepath.Join(cfg.Download.OutDir, id+".ts"),
		MaxRetries:  cfg.Download.MaxRetries,
		Status:      domain.TaskRunning,
	}
	require.NoError(t, store.SaveTask(context.Background(), task))
	return task
}

func TestRunProducesOrderedOutput(t *testing.T) {
	payloads := [][]byte{tsSegment(1, 3), tsSegment(2, 5), tsSegment(3, 2), tsSegment(4, 4)}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(payloads), ""))
	})
	for i, p := range payloads {
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			// Hold back the first segment so later ones finish first; the
			// output must come out ordered regardless
			if i == 0 {
				time.Sleep(150 * time.Millisecond)
			}
			w.Write(p)
		})
	}
	srv, _ := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "ordered", srv.URL+"/index.m3u8")

	var lastSnap domain.ProgressSnapshot
	err := dl.Run(context.Background(), task, make(chan struct{}), func(s domain.ProgressSnapshot) {
		lastSnap = s
	})
	require.NoError(t, err)

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)

	assert.Equal(t, len(payloads), lastSnap.SegmentsDone)
	assert.Equal(t, uint64(len(got)), task.BytesWritten.Load())

	// Work directory is gone once the output is finalized
	_, err = os.Stat(filepath.Join(cfg.Download.WorkDir, task.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestEncryptedSegmentsAreDecrypted(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	iv[15] = 1

	plain := [][]byte{tsSegment(10, 2), tsSegment(20, 3)}
	keyLine := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x00000000000000000000000000000001`

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(plain), keyLine))
	})
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	})
	for i, p := range plain {
		enc := encryptCBC(t, p, key, iv)
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write(enc)
		})
	}
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "encrypted", srv.URL+"/index.m3u8")
	require.NoError(t, dl.Run(context.Background(), task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(plain, nil), got)

	// One key URL, one fetch, shared across segments
	assert.Equal(t, 1, hits.count("/key.bin"))
}

func encryptCBC(t *testing.T, plaintext, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestMasterPlaylistPicksBestVariant(t *testing.T) {
	payload := tsSegment(7, 3)

	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=400000\nlow/index.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=1600000\nhigh/index.m3u8\n")
	})
	mux.HandleFunc("/high/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(1, ""))
	})
	mux.HandleFunc("/high/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "master", srv.URL+"/master.m3u8")
	require.NoError(t, dl.Run(context.Background(), task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, hits.count("/low/index.m3u8"))
}

func TestTransientFailureIsRetried(t *testing.T) {
	payloads := [][]byte{tsSegment(1, 2), tsSegment(2, 2)}

	var failed sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(payloads), ""))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payloads[0])
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		tripped := false
		failed.Do(func() {
			tripped = true
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		if !tripped {
			w.Write(payloads[1])
		}
	})
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "retry", srv.URL+"/index.m3u8")
	require.NoError(t, dl.Run(context.Background(), task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)
	assert.Equal(t, 2, hits.count("/seg1.ts"))
	assert.Equal(t, uint64(1), task.RetryCount.Load())
}

func TestTransientRetriesSpendFullBudget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(1, ""))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "budget", srv.URL+"/index.m3u8")
	err := dl.Run(context.Background(), task, make(chan struct{}), nil)
	require.Error(t, err)

	// The first attempt plus exactly max_retries re-fetches
	assert.Equal(t, 1+cfg.Download.MaxRetries, hits.count("/seg0.ts"))
	assert.Equal(t, uint64(cfg.Download.MaxRetries), task.RetryCount.Load())
}

func TestDecryptionFailureRefetchesOnce(t *testing.T) {
	key := []byte("0123456789abcdef")
	keyLine := `#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x00000000000000000000000000000001`

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(1, keyLine))
	})
	mux.HandleFunc("/key.bin", func(w http.ResponseWriter, r *http.Request) {
		w.Write(key)
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		// 17 bytes is never a valid AES-CBC ciphertext
		w.Write(bytes.Repeat([]byte{0xAB}, 17))
	})
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "baddata", srv.URL+"/index.m3u8")
	err := dl.Run(context.Background(), task, make(chan struct{}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecryption)

	// A decryption error earns one re-fetch in case the corruption was
	// transient, then the task fails
	assert.Equal(t, 2, hits.count("/seg0.ts"))
}

func TestIntegrityMismatchKeepsOtherCheckpoints(t *testing.T) {
	const n = 10
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = tsSegment(byte(i+1), 2)
	}

	var others sync.WaitGroup
	others.Add(n - 1)

	mux := http.NewServeMux()
	for i, p := range payloads {
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			if i == 6 {
				// Let every other segment land and checkpoint first
				others.Wait()
				time.Sleep(200 * time.Millisecond)
			} else {
				defer others.Done()
			}
			w.Write(p)
		})
	}
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	cfg.Download.Concurrency = n
	cfg.Download.GlobalConcurrency = n
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	ctx := context.Background()
	task := newTask(t, cfg, store, "mismatch", srv.URL+"/index.m3u8")
	host := strings.TrimPrefix(srv.URL, "http://")
	for i := range payloads {
		task.Segments = append(task.Segments, &domain.SegmentDescriptor{
			Index:  i,
			URL:    fmt.Sprintf("%s/seg%d.ts", srv.URL, i),
			Host:   host,
			Status: domain.SegmentPending,
		})
	}
	// The manifest hash for segment 6 disagrees with what the origin serves
	task.Segments[6].ExpectedSHA256 = domain.HashBytes([]byte("something else entirely"))

	err := dl.Run(ctx, task, make(chan struct{}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
	assert.Contains(t, err.Error(), "segment 6")
	assert.Equal(t, 1, hits.count("/seg6.ts"))

	// The rest of the task survives durably: the merged prefix through 5 plus
	// checkpoint rows for 7..9, so a rerun only needs segment 6
	sess, err := store.Load(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 5, sess.MergedThrough)
	for _, idx := range []int{7, 8, 9} {
		_, ok := sess.Completed[idx]
		assert.True(t, ok, "segment %d should stay checkpointed", idx)
	}
	_, ok := sess.Completed[6]
	assert.False(t, ok)

	for i, desc := range task.Segments {
		if i == 6 {
			assert.False(t, desc.Status.Succeeded())
		} else {
			assert.True(t, desc.Status.Succeeded(), "segment %d", i)
		}
	}
}

func TestMissingSegmentFailsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(2, ""))
	})
	mux.HandleFunc("/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tsSegment(1, 2))
	})
	mux.HandleFunc("/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv, _ := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "missing", srv.URL+"/index.m3u8")
	err := dl.Run(context.Background(), task, make(chan struct{}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSegmentMissing)

	_, statErr := os.Stat(task.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBestEffortSkipsMissingSegment(t *testing.T) {
	payloads := [][]byte{tsSegment(1, 2), nil, tsSegment(3, 3)}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(payloads), ""))
	})
	for i, p := range payloads {
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			if p == nil {
				http.NotFound(w, r)
				return
			}
			w.Write(p)
		})
	}
	srv, _ := newOrigin(t, mux)

	cfg := testConfig(t)
	cfg.Download.BestEffort = true
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "besteffort", srv.URL+"/index.m3u8")
	require.NoError(t, dl.Run(context.Background(), task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, payloads[0]...), payloads[2]...), got)
	assert.Equal(t, domain.SegmentSkipped, task.Segments[1].Status)
}

func TestPauseAndResumeDoesNotRefetch(t *testing.T) {
	payloads := [][]byte{tsSegment(1, 2), tsSegment(2, 2), tsSegment(3, 2), tsSegment(4, 2)}

	gate := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(payloads), ""))
	})
	for i, p := range payloads {
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			once.Do(func() { close(first) })
			<-gate
			w.Write(p)
		})
	}
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	cfg.Download.Concurrency = 1
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "pausable", srv.URL+"/index.m3u8")

	pause := make(chan struct{})
	go func() {
		<-first
		close(pause)
		// Give the dispatcher a beat to register the pause before the
		// in-flight segment is released
		time.Sleep(100 * time.Millisecond)
		close(gate)
	}()

	err := dl.Run(context.Background(), task, pause, nil)
	require.True(t, IsPaused(err), "expected pause, got %v", err)
	require.Equal(t, 1, hits.count("/seg0.ts"))

	// Second run picks up where the first stopped; the finished segment is
	// never requested again
	require.NoError(t, dl.Run(context.Background(), task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)
	assert.Equal(t, 1, hits.count("/seg0.ts"))
}

func TestResumeRejectsCorruptedCache(t *testing.T) {
	payloads := [][]byte{tsSegment(1, 2), tsSegment(2, 2)}

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(len(payloads), ""))
	})
	for i, p := range payloads {
		mux.HandleFunc(fmt.Sprintf("/seg%d.ts", i), func(w http.ResponseWriter, r *http.Request) {
			w.Write(p)
		})
	}
	srv, hits := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	ctx := context.Background()
	task := newTask(t, cfg, store, "tampered", srv.URL+"/index.m3u8")

	// Fake a prior run: checkpoint both segments, then corrupt the cached
	// copy of the second one
	workDir := filepath.Join(cfg.Download.WorkDir, task.ID)
	require.NoError(t, os.MkdirAll(workDir, 0755))
	require.NoError(t, store.Create(ctx, task.ID, task.OutputPath, len(payloads)))
	for i, p := range payloads {
		path := filepath.Join(workDir, fmt.Sprintf("seg_%05d.ts", i))
		require.NoError(t, os.WriteFile(path, p, 0644))
		require.NoError(t, store.MarkComplete(ctx, task.ID, i, int64(len(p)), domain.HashBytes(p)))
	}
	tampered := filepath.Join(workDir, "seg_00001.ts")
	require.NoError(t, os.WriteFile(tampered, tsSegment(99, 2), 0644))

	require.NoError(t, dl.Run(ctx, task, make(chan struct{}), nil))

	got, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)

	// The intact segment came from cache, the corrupted one was re-fetched
	assert.Zero(t, hits.count("/seg0.ts"))
	assert.Equal(t, 1, hits.count("/seg1.ts"))
}

func TestCancelAbortsRun(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, mediaPlaylist(2, ""))
	})
	slow := func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-r.Context().Done()
	}
	mux.HandleFunc("/seg0.ts", slow)
	mux.HandleFunc("/seg1.ts", slow)
	srv, _ := newOrigin(t, mux)

	cfg := testConfig(t)
	store := newEngineStore(t)
	dl := NewDownloader(cfg, logger.NewNop(), store)
	defer dl.Close()

	task := newTask(t, cfg, store, "cancelled", srv.URL+"/index.m3u8")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := dl.Run(ctx, task, make(chan struct{}), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
