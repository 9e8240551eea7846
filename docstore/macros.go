package docstore

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Macros understood by SubdocFlagExpandMacros.  The JSON quoting is part of the
// macro since it is expanded as a whole JSON value.
const (
	MacroMutationCas   = `"${Mutation.CAS}"`
	MacroValueCrc32c   = `"${Mutation.value_crc32c}"`
	MacroDocumentCas   = `"${$document.CAS}"`
	MacroDocumentRevID = `"${$document.revid}"`
	MacroDocumentExp   = `"${$document.exptime}"`
)

// Virtual extended attributes.
const (
	VirtualXattrDocument = "$document"
	VirtualXattrVbucket  = "$vbucket"
	VirtualXattrHLC      = "$vbucket.HLC"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// FormatMacroCas renders a CAS the way the server expands ${Mutation.CAS}: a
// hex string of the little-endian byte order of the value.
func FormatMacroCas(cas Cas) string {
	return fmt.Sprintf("0x%016x", bits.ReverseBytes64(uint64(cas)))
}

// ParseMacroCas reverses FormatMacroCas.
func ParseMacroCas(val string) (Cas, error) {
	if val == "" {
		return 0, nil
	}

	trimmed := strings.TrimPrefix(val, "0x")
	parsed, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, errors.Wrap(err, "invalid macro cas")
	}

	return Cas(bits.ReverseBytes64(parsed)), nil
}

// ParseMacroCasToMillis parses a ${Mutation.CAS} expansion into epoch milliseconds.
func ParseMacroCasToMillis(val string) (int64, error) {
	cas, err := ParseMacroCas(val)
	if err != nil {
		return 0, err
	}

	return CasToTime(cas).UnixNano() / int64(time.Millisecond), nil
}

// CasToTime interprets a hybrid logical clock CAS as a timestamp.
func CasToTime(cas Cas) time.Time {
	return time.Unix(0, int64(cas))
}

// Crc32cOf computes the value_crc32c macro for a document body.
func Crc32cOf(body []byte) string {
	return fmt.Sprintf("0x%08x", crc32.Checksum(body, castagnoliTable))
}

// DocumentMeta is the content of the $document virtual xattr.
type DocumentMeta struct {
	Cas         string `json:"CAS"`
	RevID       string `json:"revid"`
	Expiration  uint32 `json:"exptime"`
	ValueCrc32c string `json:"value_crc32c,omitempty"`
	Deleted     bool   `json:"deleted"`
}

type jsonHLC struct {
	Now  string `json:"now"`
	Mode string `json:"mode"`
}

type jsonVbucket struct {
	HLC jsonHLC `json:"HLC"`
}

// FormatHLC renders the $vbucket.HLC virtual xattr for a given server time.
func FormatHLC(now time.Time) []byte {
	b, _ := json.Marshal(jsonHLC{
		Now:  strconv.FormatInt(now.Unix(), 10),
		Mode: "real",
	})
	return b
}

// ParseHLCToTime parses the $vbucket.HLC virtual xattr.
func ParseHLCToTime(data []byte) (time.Time, error) {
	var hlc jsonHLC
	if err := json.Unmarshal(data, &hlc); err != nil {
		return time.Time{}, errors.Wrap(err, "invalid hlc")
	}

	secs, err := strconv.ParseInt(hlc.Now, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "invalid hlc now")
	}

	return time.Unix(secs, 0), nil
}
