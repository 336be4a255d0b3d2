package vault

import (
	"errors"
	"io"
	"os"
)

// Accessibility describes whether the vault root can be used.
type Accessibility struct {
	Exists      bool `json:"vaultExists"`
	IsDirectory bool `json:"isDirectory"`
	Readable    bool `json:"readable"`
	Writable    bool `json:"writable"`
}

// Usable reports whether the vault can serve reads.
func (a Accessibility) Usable() bool {
	return a.Exists && a.IsDirectory && a.Readable
}

// Accessibility checks that the vault root can be used.
func (v *Vault) Accessibility() Accessibility {
	var a Accessibility

	info, err := os.Stat(v.root)
	if err != nil {
		if !os.IsNotExist(err) {
			a.Exists = true
		}
		return a
	}
	a.Exists = true
	a.IsDirectory = info.IsDir()
	if !a.IsDirectory {
		return a
	}

	if dir, err := os.Open(v.root); err == nil {
		_, readErr := dir.Readdirnames(1)
		a.Readable = readErr == nil || errors.Is(readErr, io.EOF)
		_ = dir.Close()
	}

	if tmp, err := os.CreateTemp(v.root, ".obsidian-mcp-writable-*"); err == nil {
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
		a.Writable = true
	}
	return a
}
