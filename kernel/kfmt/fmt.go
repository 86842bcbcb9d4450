package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxBufSize]byte

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// the console output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While it
	// is nil the output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and copies any data
// accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the io.Writer that currently receives Printf output.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf provides a minimal Printf implementation for kernel diagnostics.
//
// Similar to fmt.Printf, this implementation supports the following subset of
// formatting verbs:
//
// Strings:
//
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String and base-10 values shorter than the width are left-padded with
// spaces; base-8 and base-16 values are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextArg         int
		blockStart, cur int
		padLen          int
		fmtLen          = len(format)
	)

	for cur < fmtLen {
		if format[cur] != '%' {
			cur++
			continue
		}

		if blockStart < cur {
			doWrite(w, []byte(format[blockStart:cur]))
		}

		padLen = 0
		cur++
	parseFmt:
		for ; cur < fmtLen; cur++ {
			verb := format[cur]
			switch {
			case verb == '%':
				doWrite(w, []byte{'%'})
				break parseFmt
			case verb >= '0' && verb <= '9':
				padLen = (padLen * 10) + int(verb-'0')
				continue
			case verb == 'd' || verb == 'x' || verb == 'o' || verb == 's' || verb == 't':
				if nextArg >= len(args) {
					doWrite(w, errMissingArg)
					break parseFmt
				}

				switch verb {
				case 'o':
					fmtInt(w, args[nextArg], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArg], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArg], 16, padLen)
				case 's':
					fmtString(w, args[nextArg], padLen)
				case 't':
					fmtBool(w, args[nextArg])
				}

				nextArg++
				break parseFmt
			default:
				doWrite(w, errNoVerb)
				break parseFmt
			}
		}
		blockStart, cur = cur+1, cur+1
	}

	if blockStart < cur && blockStart < fmtLen {
		doWrite(w, []byte(format[blockStart:]))
	}

	for ; nextArg < len(args); nextArg++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch sVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(sVal))
		doWrite(w, []byte(sVal))
	case []byte:
		fmtRepeat(w, ' ', padLen-len(sVal))
		doWrite(w, sVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for i := 0; i < count; i++ {
		doWrite(w, []byte{ch})
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval      int64
		uval      uint64
		divider   uint64
		remainder uint64
		padCh     byte
		left      int
		right     int
		end       int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch iVal := v.(type) {
	case uint8:
		uval = uint64(iVal)
	case uint16:
		uval = uint64(iVal)
	case uint32:
		uval = uint64(iVal)
	case uint64:
		uval = iVal
	case uint:
		uval = uint64(iVal)
	case uintptr:
		uval = uint64(iVal)
	case int8:
		sval = int64(iVal)
	case int16:
		sval = int64(iVal)
	case int32:
		sval = int64(iVal)
	case int64:
		sval = iVal
	case int:
		sval = int64(iVal)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// Apply negative sign to the rightmost blank character (if using enough
	// padding); otherwise append the sign as a new char
	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:end])
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}
