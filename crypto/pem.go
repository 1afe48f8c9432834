package crypto

import (
	"encoding/pem"
	"fmt"
	"os"
)

func readKeyPEM(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pemType, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", pemType)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", pemType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", pemType, len(block.Bytes))
	}

	return block.Bytes, nil
}

func writeKeyPEM(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", pemType, err)
	}
	return nil
}
