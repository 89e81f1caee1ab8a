// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// lrc computes the longitudinal redundancy check used by ASCII framing. The
// LRC is the two's complement of the sum of all bytes it has been fed.
type lrc struct {
	sum uint8
}

func (l *lrc) reset() *lrc {
	l.sum = 0
	return l
}

func (l *lrc) pushByte(b byte) *lrc {
	l.sum += b
	return l
}

func (l *lrc) pushBytes(data []byte) *lrc {
	for _, b := range data {
		l.sum += b
	}
	return l
}

func (l *lrc) value() byte {
	return uint8(-int8(l.sum))
}

// LRC calculates the longitudinal redundancy check of data in one call.
func LRC(data []byte) byte {
	var l lrc
	return l.reset().pushBytes(data).value()
}
