// Package util normalises imported corpus text.
package util

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

const maxBinaryCheckBytes = 512

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Typographic punctuation and Windows-1252 leftovers common in scraped lyrics.
var punctuationReplacer = strings.NewReplacer(
	"\u2018", "'", "\u2019", "'", "\u201C", "\"", "\u201D", "\"",
	"\u2013", "-", "\u2014", "--", "\u2026", "...", "\u00a0", " ",
	"\u0091", "'", "\u0092", "'", "\u0093", "\"", "\u0094", "\"",
	"\u0096", "-", "\u0097", "--", "\r\n", "\n",
)

// IsLikelyBinary reports whether the first bytes of path contain a NUL byte.
func IsLikelyBinary(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buffer := make([]byte, maxBinaryCheckBytes)
	n, err := bufio.NewReader(file).Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return bytes.Contains(buffer[:n], []byte{0}), nil
}

// CleanText strips a BOM, repairs invalid UTF-8 and folds typographic
// punctuation to ASCII. Accented letters are kept.
func CleanText(raw []byte, src string) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		log.WithField("source", src).Warn("Invalid UTF-8, replacing invalid characters")
		raw = bytes.ToValidUTF8(raw, []byte(string(utf8.RuneError)))
	}
	str := punctuationReplacer.Replace(string(raw))
	if !utf8.ValidString(str) {
		return "", fmt.Errorf("invalid UTF-8 after cleaning: %s", src)
	}
	return strings.TrimSpace(str), nil
}
