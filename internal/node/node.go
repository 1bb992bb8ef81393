// Package node manages the identity of a Courier instance and the IDs it
// hands out. Every instance has a persistent ULID, generated on first start
// and stored in the data directory, which is sent with each outbound request
// so receivers can tell which sender produced a delivery.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "node_id"

// Header carries the node ID on every outbound request.
const Header = "X-Courier-Node"

// ID is a ULID string that uniquely identifies a Courier process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this instance.
type Node struct {
	id      ID
	dataDir string
}

// New returns a Node whose ID is read from dataDir/node_id, creating the file
// on first use. A non-empty override other than "auto" is used verbatim after
// validation and is not written to disk.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the node's stable ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the directory holding node-local state.
func (n *Node) DataDir() string { return n.dataDir }

// Path joins name onto the data directory.
func (n *Node) Path(name string) string { return filepath.Join(n.dataDir, name) }

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(s); perr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, perr)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// A single monotonic entropy source keeps IDs generated within the same
// millisecond in lexical order.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh time-ordered ULID. Request IDs left empty by the
// producer are filled from here.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
