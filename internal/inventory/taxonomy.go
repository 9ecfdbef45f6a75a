package inventory

import "fmt"

// MovementType classifies why stock changed.
type MovementType uint8

const (
	MovementInventoryInit MovementType = iota
	MovementInbound
	MovementOutboundCancel
	MovementReturnB2C
	MovementAdjustmentPlus
	MovementBundleBreakIn
	MovementOutbound
	MovementAdjustmentMinus
	MovementBundleBreakOut
	MovementExportPickup
	MovementDisposal
	MovementDamage
	MovementTransfer

	movementTypeCount
)

// Direction tells whether a movement increases or decreases on-hand stock.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
	// DirectionNeutral is only used by TRANSFER, which callers must split into OUT + IN.
	DirectionNeutral Direction = ""
)

// LegacyCategory is the coarse bucket used by external reporting.
type LegacyCategory string

const (
	CategoryInbound    LegacyCategory = "INBOUND"
	CategoryOutbound   LegacyCategory = "OUTBOUND"
	CategoryTransfer   LegacyCategory = "TRANSFER"
	CategoryReturn     LegacyCategory = "RETURN"
	CategoryAdjustment LegacyCategory = "ADJUSTMENT"
)

type movementSpec struct {
	typ       MovementType
	name      string
	direction Direction
	category  LegacyCategory
}

// movementTable is indexed by MovementType. Rows are positional, so the
// length assertions below turn a missing or extra row into a compile error.
var movementTable = [...]movementSpec{
	{typ: MovementInventoryInit, name: "INVENTORY_INIT", direction: DirectionIn, category: CategoryAdjustment},
	{typ: MovementInbound, name: "INBOUND", direction: DirectionIn, category: CategoryInbound},
	{typ: MovementOutboundCancel, name: "OUTBOUND_CANCEL", direction: DirectionIn, category: CategoryReturn},
	{typ: MovementReturnB2C, name: "RETURN_B2C", direction: DirectionIn, category: CategoryReturn},
	{typ: MovementAdjustmentPlus, name: "ADJUSTMENT_PLUS", direction: DirectionIn, category: CategoryAdjustment},
	{typ: MovementBundleBreakIn, name: "BUNDLE_BREAK_IN", direction: DirectionIn, category: CategoryAdjustment},
	{typ: MovementOutbound, name: "OUTBOUND", direction: DirectionOut, category: CategoryOutbound},
	{typ: MovementAdjustmentMinus, name: "ADJUSTMENT_MINUS", direction: DirectionOut, category: CategoryAdjustment},
	{typ: MovementBundleBreakOut, name: "BUNDLE_BREAK_OUT", direction: DirectionOut, category: CategoryAdjustment},
	{typ: MovementExportPickup, name: "EXPORT_PICKUP", direction: DirectionOut, category: CategoryAdjustment},
	{typ: MovementDisposal, name: "DISPOSAL", direction: DirectionOut, category: CategoryAdjustment},
	{typ: MovementDamage, name: "DAMAGE", direction: DirectionOut, category: CategoryAdjustment},
	{typ: MovementTransfer, name: "TRANSFER", direction: DirectionNeutral, category: CategoryTransfer},
}

const (
	_ = uint(len(movementTable) - int(movementTypeCount))
	_ = uint(int(movementTypeCount) - len(movementTable))
)

var movementByName = func() map[string]MovementType {
	m := make(map[string]MovementType, len(movementTable))
	for i, spec := range movementTable {
		if spec.typ != MovementType(i) {
			panic(fmt.Sprintf("inventory: movement table row %d holds %s", i, spec.name))
		}
		m[spec.name] = spec.typ
	}
	return m
}()

// AllMovementTypes lists every movement type in declaration order.
func AllMovementTypes() []MovementType {
	out := make([]MovementType, 0, len(movementTable))
	for _, spec := range movementTable {
		out = append(out, spec.typ)
	}
	return out
}

// ParseMovementType resolves the wire name of a movement type.
func ParseMovementType(name string) (MovementType, error) {
	t, ok := movementByName[name]
	if !ok {
		return 0, fmt.Errorf("inventory: unknown movement type %q", name)
	}
	return t, nil
}

// Valid reports whether t is a declared movement type.
func (t MovementType) Valid() bool {
	return t < movementTypeCount
}

func (t MovementType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("MovementType(%d)", uint8(t))
	}
	return movementTable[t].name
}

// Direction returns the taxonomy direction; TRANSFER yields DirectionNeutral.
func (t MovementType) Direction() Direction {
	if !t.Valid() {
		return DirectionNeutral
	}
	return movementTable[t].direction
}

// LegacyCategory returns the reporting bucket for t.
func (t MovementType) LegacyCategory() LegacyCategory {
	if !t.Valid() {
		return CategoryAdjustment
	}
	return movementTable[t].category
}

// MarshalText encodes the movement type by name.
func (t MovementType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("inventory: invalid movement type %d", uint8(t))
	}
	return []byte(movementTable[t].name), nil
}

// UnmarshalText decodes a movement type name.
func (t *MovementType) UnmarshalText(text []byte) error {
	parsed, err := ParseMovementType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Opposite flips IN and OUT.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionIn:
		return DirectionOut
	case DirectionOut:
		return DirectionIn
	}
	return DirectionNeutral
}

// Valid reports whether d is IN or OUT.
func (d Direction) Valid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Signed applies the direction sign to a positive quantity.
func (d Direction) Signed(qty int64) int64 {
	if d == DirectionOut {
		return -qty
	}
	return qty
}
