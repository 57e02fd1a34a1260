package symstore

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// isfFile is the subset of the intermediate symbol format this store
// consumes. Everything else in the document is ignored.
type isfFile struct {
	Symbols   map[string]isfSymbol `json:"symbols"`
	UserTypes map[string]isfType   `json:"user_types"`
}

type isfSymbol struct {
	Address uint64 `json:"address"`
}

type isfType struct {
	Fields map[string]isfField `json:"fields"`
}

type isfField struct {
	Offset uint64 `json:"offset"`
}

func loadISF(path string) (*isfFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var isf isfFile
	if err := json.NewDecoder(r).Decode(&isf); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &isf, nil
}
