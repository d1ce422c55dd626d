// Package textutil repairs text encoding in message content. Mail old
// enough to predate UTF-8 headers, or sent by broken clients, arrives
// with undeclared legacy charsets.
package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
)

// EnsureUTF8 returns s as valid UTF-8. Already-valid input is returned
// unchanged; otherwise the charset is detected and the bytes decoded,
// falling back to replacement characters for bytes nothing can decode.
func EnsureUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	data := []byte(s)

	// Detection is unreliable on short samples; demand more confidence
	// the more text there is to judge from.
	minConfidence := 30
	if len(data) > 50 {
		minConfidence = 50
	}
	detector := chardet.NewTextDetector()
	if result, err := detector.DetectBest(data); err == nil && result.Confidence >= minConfidence {
		if enc := encodingByName(result.Charset); enc != nil {
			if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
				return string(decoded)
			}
		}
	}

	// Blind attempts, single-byte Western charsets first since they are
	// the most common in undeclared mail.
	for _, enc := range []encoding.Encoding{
		charmap.Windows1252,
		charmap.ISO8859_1,
		charmap.ISO8859_15,
		japanese.ShiftJIS,
		japanese.EUCJP,
		korean.EUCKR,
		simplifiedchinese.GBK,
		traditionalchinese.Big5,
	} {
		if decoded, err := enc.NewDecoder().Bytes(data); err == nil && utf8.Valid(decoded) {
			return string(decoded)
		}
	}

	return sanitizeUTF8(s)
}

// sanitizeUTF8 replaces invalid bytes with the replacement character.
func sanitizeUTF8(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune('�')
			i++
		} else {
			sb.WriteRune(r)
			i += size
		}
	}
	return sb.String()
}

// encodingByName maps the detector's charset names to decoders.
func encodingByName(name string) encoding.Encoding {
	switch strings.ToLower(name) {
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1
	case "iso-8859-15", "latin9":
		return charmap.ISO8859_15
	case "iso-8859-2", "latin2":
		return charmap.ISO8859_2
	case "shift_jis", "shift-jis", "sjis":
		return japanese.ShiftJIS
	case "euc-jp", "eucjp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "euckr":
		return korean.EUCKR
	case "gb2312", "gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5", "big-5":
		return traditionalchinese.Big5
	case "koi8-r":
		return charmap.KOI8R
	case "koi8-u":
		return charmap.KOI8U
	}
	return nil
}
