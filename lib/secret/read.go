// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath loads a secret into an mmap-backed Buffer from a file,
// or from the first line of stdin when path is "-". Surrounding
// whitespace is stripped, heap copies are zeroed before returning,
// and an empty secret is an error. The caller must Close the buffer.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := readRaw(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}

	// NewFromBytes zeroes trimmed; the whitespace around it still
	// needs wiping.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	return buffer, err
}

func readRaw(path string) ([]byte, error) {
	if path != "-" {
		return os.ReadFile(path)
	}
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return nil, fmt.Errorf("stdin is empty")
	}
	return scanner.Bytes(), nil
}
