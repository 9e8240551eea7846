package transactions

import (
	"hash/crc32"
	"strconv"
)

const (
	defaultNumATRs = 1024
	numVbuckets    = 1024
)

var atrIDList = buildATRIDList(defaultNumATRs)

func buildATRIDList(numATRs int) []string {
	ids := make([]string, numATRs)
	for i := range ids {
		ids[i] = "_txn:atr-" + strconv.Itoa(i) + "-#" + strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(strconv.Itoa(i)))&0xfff), 16)
	}
	return ids
}

// vbucketForKey maps a key to its vbucket the same way the KV service does.
func vbucketForKey(key []byte) uint16 {
	crc := crc32.ChecksumIEEE(key)
	crcMidBits := uint16(crc>>16) & ^uint16(0x8000)
	return crcMidBits % numVbuckets
}

// atrIDForKey selects the ATR which holds the entry for an attempt whose
// first mutation is key.  Keys in the same vbucket share an ATR.
func atrIDForKey(key []byte, numATRs int) string {
	if numATRs <= 0 || numATRs > len(atrIDList) {
		numATRs = len(atrIDList)
	}
	return atrIDList[int(vbucketForKey(key))%numATRs]
}

// atrIDsForCleanup lists the ATRs which lost cleanup must scan.
func atrIDsForCleanup(numATRs int) []string {
	if numATRs <= 0 || numATRs > len(atrIDList) {
		numATRs = len(atrIDList)
	}
	return atrIDList[:numATRs]
}
