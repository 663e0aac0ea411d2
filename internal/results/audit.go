package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// auditLog is the append-only record of every accepted proof for the
// active block. Live logs sit in <dir>/audit and move to <dir>/done when
// their block is retired.
type auditLog struct {
	auditDir string
	doneDir  string

	file *os.File
	path string
}

func newAuditLog(dataDir string) (*auditLog, error) {
	a := &auditLog{
		auditDir: filepath.Join(dataDir, "audit"),
		doneDir:  filepath.Join(dataDir, "done"),
	}
	for _, dir := range []string{a.auditDir, a.doneDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return a, nil
}

// rotate retires the open log and opens one for hash.
func (a *auditLog) rotate(hash string) error {
	if err := a.retire(); err != nil {
		return err
	}

	path := filepath.Join(a.auditDir, hash+".block")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	a.file = f
	a.path = path
	return nil
}

// retire closes the open log and moves it into the done area, appending
// to an existing file of the same name.
func (a *auditLog) retire() error {
	if a.file == nil {
		return nil
	}
	src := a.path
	err := a.file.Close()
	a.file = nil
	a.path = ""
	if err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}

	dst := filepath.Join(a.doneDir, filepath.Base(src))
	if _, err := os.Stat(dst); errors.Is(err, os.ErrNotExist) {
		return os.Rename(src, dst)
	}
	return mergeInto(dst, src)
}

func mergeInto(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("merge audit log: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("merge audit log: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("merge audit log: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("merge audit log: %w", err)
	}
	return os.Remove(src)
}

// append writes one [timestamp, minerAddress, difficulty, nonce] line. An
// empty minerAddress is written as null.
func (a *auditLog) append(ts float64, minerAddress string, res types.MiningResult) error {
	if a.file == nil {
		return nil
	}
	var miner interface{}
	if minerAddress != "" {
		miner = minerAddress
	}
	line, err := json.Marshal([]interface{}{ts, miner, res.Difficulty, res.Nonce})
	if err != nil {
		return err
	}
	_, err = a.file.Write(append(line, '\n'))
	return err
}

func (a *auditLog) close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}
