package datalog

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"
)

// Sentinel row tags. Rows starting with these are not data rows.
const (
	RotateTag = "ROTATE"
	EndTag    = "END"
)

// hashKey keys the HighwayHash of the END trailer. It is fixed so any tool
// can verify a session file.
var hashKey = []byte("rigcap-session-integrity-key-v01")

var (
	// ErrNoTrailer is returned when a data file has no END row
	ErrNoTrailer = errors.New("datalog: no END trailer")
	// ErrChecksum is returned when file content does not match its trailer
	ErrChecksum = errors.New("datalog: checksum mismatch")
)

// Trailer is the END row closing a data file
type Trailer struct {
	Epoch       int64
	DataRows    int
	SummaryRows int
	DataHash    string
	SummaryHash string
}

func (t Trailer) String() string {
	return fmt.Sprintf("%s,%d,%d,%d,%s,%s", EndTag, t.Epoch, t.DataRows, t.SummaryRows, t.DataHash, t.SummaryHash)
}

func newHash() hash.Hash {
	h, err := highwayhash.New(hashKey)
	if err != nil {
		// the key length is fixed at 32 bytes
		panic(err)
	}
	return h
}

// Sum returns the hex HighwayHash-256 of data
func Sum(data []byte) string {
	h := newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IsSentinel reports whether a line is a ROTATE or END row
func IsSentinel(line string) bool {
	tag, _, _ := strings.Cut(line, ",")
	return tag == RotateTag || tag == EndTag
}

// ParseTrailer parses an END row
func ParseTrailer(line string) (Trailer, error) {
	f := strings.Split(strings.TrimRight(line, "\r\n"), ",")
	if len(f) != 6 || f[0] != EndTag {
		return Trailer{}, fmt.Errorf("datalog: not an END row: %q", line)
	}
	var t Trailer
	var err error
	if t.Epoch, err = strconv.ParseInt(f[1], 10, 64); err != nil {
		return Trailer{}, fmt.Errorf("datalog: END epoch: %w", err)
	}
	if t.DataRows, err = strconv.Atoi(f[2]); err != nil {
		return Trailer{}, fmt.Errorf("datalog: END data rows: %w", err)
	}
	if t.SummaryRows, err = strconv.Atoi(f[3]); err != nil {
		return Trailer{}, fmt.Errorf("datalog: END summary rows: %w", err)
	}
	t.DataHash, t.SummaryHash = f[4], f[5]
	return t, nil
}

// Verify checks the END trailer of a data file against the data file
// content before it and against the summary file content
func Verify(dat, trial []byte) (Trailer, error) {
	body := bytes.TrimRight(dat, "\n")
	i := bytes.LastIndexByte(body, '\n')
	last := body[i+1:]
	if !bytes.HasPrefix(last, []byte(EndTag+",")) {
		return Trailer{}, ErrNoTrailer
	}
	t, err := ParseTrailer(string(last))
	if err != nil {
		return Trailer{}, err
	}
	if got := Sum(dat[:i+1]); got != t.DataHash {
		return t, fmt.Errorf("%w: data file hash %s, trailer %s", ErrChecksum, got, t.DataHash)
	}
	if trial != nil {
		if got := Sum(trial); got != t.SummaryHash {
			return t, fmt.Errorf("%w: summary file hash %s, trailer %s", ErrChecksum, got, t.SummaryHash)
		}
	}
	return t, nil
}
