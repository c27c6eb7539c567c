package reloc

import "fmt"

// HelperID names a runtime function reachable from compiled code.
type HelperID uint8

const (
	HelperFrameGrowth HelperID = iota
	HelperCallArityFixup
	HelperConstructArityFixup
	HelperLookupExceptionHandler
	HelperDeopt
	HelperGetByID
	HelperPutByID
	HelperVirtualCall
	HelperOperation
	NumHelpers
)

var helperNames = [...]string{
	"frameGrowth",
	"callArityFixup",
	"constructArityFixup",
	"lookupExceptionHandler",
	"deopt",
	"getById",
	"putById",
	"virtualCall",
	"operation",
}

func (h HelperID) String() string {
	if h < NumHelpers {
		return helperNames[h]
	}
	return fmt.Sprintf("helper(%d)", uint8(h))
}
