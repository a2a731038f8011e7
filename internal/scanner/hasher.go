package scanner

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"

	"github.com/mmenanno/shield/internal/constants"
)

// Status is the outcome of a verified checksum
type Status int

const (
	// StatusReturned means the file did not move while it was read
	StatusReturned Status = iota
	// StatusRetried means a retry produced a trustworthy checksum
	StatusRetried
	// StatusChanged means the file kept changing; the observation must not be recorded
	StatusChanged
	// StatusNoSuchFile means the file vanished
	StatusNoSuchFile
	// StatusError means the file could not be read
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusReturned:
		return "Returned"
	case StatusRetried:
		return "Retried"
	case StatusChanged:
		return "Changed"
	case StatusNoSuchFile:
		return "NoSuchFile"
	default:
		return "Error"
	}
}

// Usable reports whether the checksum may be recorded
func (s Status) Usable() bool {
	return s == StatusReturned || s == StatusRetried
}

// HashResult carries the checksum and the stat it was verified against.
// Checksum is empty unless Status is Usable.
type HashResult struct {
	Checksum string
	Stat     FileStat
	Status   Status
}

// SupportedAlgorithms lists the digests a profile may be built with
var SupportedAlgorithms = []string{"md5", "sha256", "blake3"}

// FileHasher hashes file content and verifies the file did not change under it
type FileHasher struct {
	algorithm   string
	bufferSize  int
	retryBudget int
	limiter     *rate.Limiter
}

// NewFileHasher creates a new FileHasher. maxRateMB of zero disables throttling.
func NewFileHasher(algorithm string, bufferSize, retryBudget, maxRateMB int) (*FileHasher, error) {
	if bufferSize <= 0 {
		bufferSize = constants.DefaultHashBufferSize
	}
	if retryBudget < 0 {
		retryBudget = constants.DefaultRetryBudget
	}
	if algorithm == "" {
		algorithm = constants.DefaultHashAlgorithm
	}

	h := &FileHasher{
		algorithm:   algorithm,
		bufferSize:  bufferSize,
		retryBudget: retryBudget,
	}
	if _, err := h.createHasher(); err != nil {
		return nil, err
	}

	if maxRateMB > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(maxRateMB*1024*1024), bufferSize)
	}

	return h, nil
}

// GetAlgorithm returns the configured hash algorithm
func (h *FileHasher) GetAlgorithm() string {
	return h.algorithm
}

// FullHash calculates the hash of the entire file and returns the number of
// bytes read
func (h *FileHasher) FullHash(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	// Hint to kernel that we'll read sequentially
	applySequentialHint(f)

	hasher, err := h.createHasher()
	if err != nil {
		return "", 0, err
	}

	var src io.Reader = f
	if h.limiter != nil {
		src = &throttledReader{r: f, limiter: h.limiter}
	}

	buf := make([]byte, h.bufferSize)
	n, err := io.CopyBuffer(hasher, src, buf)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash file: %w", err)
	}

	releaseCacheForLargeFile(f, n)

	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// Checksum hashes path and confirms that size, mtime and inode still match
// before. When they do not, the hash is retried against the new stat until
// the retry budget runs out. At most retryBudget+1 reads are made. A retry
// that reproduces the previous digest is trusted as Retried.
func (h *FileHasher) Checksum(path string, before FileStat) (HashResult, error) {
	var previous string

	for attempt := 0; attempt <= h.retryBudget; attempt++ {
		sum, n, err := h.FullHash(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return HashResult{Stat: before, Status: StatusNoSuchFile}, nil
			}
			return HashResult{Stat: before, Status: StatusError}, err
		}

		if attempt > 0 && sum == previous {
			return HashResult{Checksum: sum, Stat: before, Status: StatusRetried}, nil
		}

		after, err := Lstat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return HashResult{Stat: before, Status: StatusNoSuchFile}, nil
			}
			return HashResult{Stat: before, Status: StatusError}, err
		}

		if n == before.Size && after.MtimeUS == before.MtimeUS && after.Inode == before.Inode {
			status := StatusReturned
			if attempt > 0 {
				status = StatusRetried
			}
			return HashResult{Checksum: sum, Stat: after, Status: status}, nil
		}

		previous = sum
		before = after
	}

	return HashResult{Stat: before, Status: StatusChanged}, nil
}

// createHasher creates a hash.Hash instance based on the configured algorithm
func (h *FileHasher) createHasher() (hash.Hash, error) {
	switch h.algorithm {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", h.algorithm)
	}
}

// throttledReader spends limiter tokens for every byte read. Reads never
// exceed the limiter burst, which is the hash buffer size.
type throttledReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		// in-flight hashes are never cancelled
		if werr := t.limiter.WaitN(context.Background(), n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
