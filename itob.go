package main

import (
	"bytes"
	"fmt"
	"strconv"
)

/*
Counters are stored as fixed width hex so
that the values stay readable in bbolt
dumps.
*/
func itob(v uint64) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%016x", v)
	return buf.Bytes()
}

// btoi reads a value written by itob. Missing or corrupt values count as 0.
func btoi(b []byte) uint64 {
	if b == nil {
		return 0
	}
	v, err := strconv.ParseUint(string(b), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
