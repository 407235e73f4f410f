package fees

import (
	"fmt"
	"strconv"
)

// HeadKind distinguishes the three kinds of fee head a payment can target.
type HeadKind uint8

const (
	// HeadLedger is the opening ledger balance.
	HeadLedger HeadKind = iota + 1
	// HeadTransport is the route price line.
	HeadTransport
	// HeadFee is a fee structure line.
	HeadFee
)

// Selection keys used on the wire for the two synthetic heads.
const (
	LedgerSelectionKey    int64 = 0
	TransportSelectionKey int64 = -1
)

func (k HeadKind) String() string {
	switch k {
	case HeadLedger:
		return "ledger"
	case HeadTransport:
		return "transport"
	case HeadFee:
		return "fee"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k HeadKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *HeadKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ledger":
		*k = HeadLedger
	case "transport":
		*k = HeadTransport
	case "fee":
		*k = HeadFee
	case "unknown", "":
		*k = 0
	default:
		return fmt.Errorf("fees: unknown head kind %q", text)
	}
	return nil
}

// HeadID identifies a fee head. The zero value identifies nothing and is
// what ClassifyInvoiceItem returns for items it cannot place.
type HeadID struct {
	Kind           HeadKind `json:"kind"`
	FeeStructureID int64    `json:"fee_structure_id,omitempty"`
}

// LedgerHead identifies the opening balance line.
func LedgerHead() HeadID { return HeadID{Kind: HeadLedger} }

// TransportHead identifies the transport line.
func TransportHead() HeadID { return HeadID{Kind: HeadTransport} }

// FeeHead identifies a fee structure line.
func FeeHead(id int64) HeadID { return HeadID{Kind: HeadFee, FeeStructureID: id} }

// Valid reports whether the head identifies a real line.
func (h HeadID) Valid() bool {
	switch h.Kind {
	case HeadLedger, HeadTransport:
		return h.FeeStructureID == 0
	case HeadFee:
		return h.FeeStructureID > 0
	default:
		return false
	}
}

// SelectionKey encodes the head for payment selection: 0 for the ledger,
// -1 for transport and the fee structure id otherwise.
func (h HeadID) SelectionKey() int64 {
	switch h.Kind {
	case HeadLedger:
		return LedgerSelectionKey
	case HeadTransport:
		return TransportSelectionKey
	default:
		return h.FeeStructureID
	}
}

// HeadFromSelectionKey is the inverse of SelectionKey.
func HeadFromSelectionKey(key int64) (HeadID, error) {
	switch {
	case key == LedgerSelectionKey:
		return LedgerHead(), nil
	case key == TransportSelectionKey:
		return TransportHead(), nil
	case key > 0:
		return FeeHead(key), nil
	default:
		return HeadID{}, &ValidationError{Field: "selected", Reason: "unknown fee head " + strconv.FormatInt(key, 10)}
	}
}

func (h HeadID) String() string {
	if h.Kind == HeadFee {
		return "fee:" + strconv.FormatInt(h.FeeStructureID, 10)
	}
	return h.Kind.String()
}
