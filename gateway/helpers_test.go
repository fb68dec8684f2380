package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeScript creates a /bin/sh script below dir.
func writeScript(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), mode); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return p
}

// chunked frames parts with chunked transfer coding.
func chunked(parts ...string) string {
	var sb strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&sb, "%x\r\n%s\r\n", len(p), p)
	}
	sb.WriteString("0\r\n\r\n")
	return sb.String()
}

var threeChunks = []string{
	"This is the first chunk.\n",
	"And this is the second chunk.\n",
	"Finally, the third chunk.",
}
