// Package symstore resolves kernel debug symbols from profile files on
// disk.
//
// Profiles are JSON documents (optionally gzip-compressed) in the
// intermediate symbol format produced by PDB converters: a "symbols"
// map of name to relative address and a "user_types" map of structure
// layouts. A profile is looked up by the CodeView identity of the
// inserted image, first as <dir>/<pdb>/<ident>.json[.gz], then flat as
// <dir>/<ident>.json[.gz].
package symstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/logflags"
	"github.com/hyperlens/hyperlens/pkg/winpe"
)

// ErrUnknownModule is returned for lookups on a module that was never
// registered with Insert.
var ErrUnknownModule = errors.New("module not registered with the symbol store")

// ProfileNotFoundError means no profile file matching the inserted
// image exists under the store directory.
type ProfileNotFoundError struct {
	PDB   string
	Ident string
	Dir   string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("no symbol profile %s/%s.json[.gz] under %s", e.PDB, e.Ident, e.Dir)
}

// SymbolNotFoundError means the loaded profile has no entry for a
// symbol name.
type SymbolNotFoundError struct {
	Module, Name string
}

func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %s!%s not in the loaded profile", e.Module, e.Name)
}

// MemberNotFoundError means the loaded profile has no entry for a
// structure, or for a member of it.
type MemberNotFoundError struct {
	Module, Struc, Member string
}

func (e *MemberNotFoundError) Error() string {
	if e.Member == "" {
		return fmt.Sprintf("type %s!%s not in the loaded profile", e.Module, e.Struc)
	}
	return fmt.Sprintf("member %s!%s.%s not in the loaded profile", e.Module, e.Struc, e.Member)
}

// Store loads and serves symbol profiles for the modules of one guest.
type Store struct {
	dir     string
	log     logflags.Logger
	modules map[string]*profile
}

type profile struct {
	span    guest.Span
	symbols map[string]uint64            // name → relative address
	types   map[string]map[string]uint64 // struct → member → offset
}

var _ guest.SymbolStore = (*Store)(nil)

// New returns a Store reading profiles from dir.
func New(dir string) *Store {
	return &Store{
		dir:     dir,
		log:     logflags.SymStoreLogger(),
		modules: make(map[string]*profile),
	}
}

// Insert registers module mapped at span and loads the profile matching
// the image's build signature.
func (s *Store) Insert(module string, span guest.Span, image []byte) error {
	if _, ok := s.modules[module]; ok {
		return fmt.Errorf("module %q already registered", module)
	}
	di, err := winpe.Identify(image)
	if err != nil {
		return fmt.Errorf("identifying %q: %w", module, err)
	}
	path, err := s.findProfile(di)
	if err != nil {
		return err
	}
	isf, err := loadISF(path)
	if err != nil {
		return err
	}
	p := &profile{
		span:    span,
		symbols: make(map[string]uint64, len(isf.Symbols)),
		types:   make(map[string]map[string]uint64, len(isf.UserTypes)),
	}
	for name, sym := range isf.Symbols {
		p.symbols[name] = sym.Address
	}
	for name, typ := range isf.UserTypes {
		fields := make(map[string]uint64, len(typ.Fields))
		for fname, f := range typ.Fields {
			fields[fname] = f.Offset
		}
		p.types[name] = fields
	}
	s.modules[module] = p
	s.log.Debugf("%s: loaded %s (%d symbols, %d types)", module, path, len(p.symbols), len(p.types))
	return nil
}

// Symbol returns the absolute virtual address of name in module.
func (s *Store) Symbol(module, name string) (uint64, error) {
	p, ok := s.modules[module]
	if !ok {
		return 0, fmt.Errorf("%q: %w", module, ErrUnknownModule)
	}
	rva, ok := p.symbols[name]
	if !ok {
		return 0, &SymbolNotFoundError{Module: module, Name: name}
	}
	return p.span.Addr + rva, nil
}

// StrucOffset returns the byte offset of member inside struc.
func (s *Store) StrucOffset(module, struc, member string) (uint64, error) {
	p, ok := s.modules[module]
	if !ok {
		return 0, fmt.Errorf("%q: %w", module, ErrUnknownModule)
	}
	fields, ok := p.types[struc]
	if !ok {
		return 0, &MemberNotFoundError{Module: module, Struc: struc}
	}
	off, ok := fields[member]
	if !ok {
		return 0, &MemberNotFoundError{Module: module, Struc: struc, Member: member}
	}
	return off, nil
}

func (s *Store) findProfile(di winpe.DebugInfo) (string, error) {
	ident := di.Ident()
	candidates := []string{
		filepath.Join(s.dir, di.PDB, ident+".json"),
		filepath.Join(s.dir, di.PDB, ident+".json.gz"),
		filepath.Join(s.dir, ident+".json"),
		filepath.Join(s.dir, ident+".json.gz"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", &ProfileNotFoundError{PDB: di.PDB, Ident: ident, Dir: s.dir}
}
