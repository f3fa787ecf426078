package x64

// Jcc condition codes.  The value is the low nibble of the 0F 8x opcode.
//
// https://www.felixcloutier.com/x86/jcc
type Condition int

const (
	Overflow       = Condition(0x0)
	NoOverflow     = Condition(0x1)
	Below          = Condition(0x2) // unsigned <, also float < after comisd
	AboveOrEqual   = Condition(0x3)
	Equal          = Condition(0x4)
	NotEqual       = Condition(0x5)
	BelowOrEqual   = Condition(0x6)
	Above          = Condition(0x7)
	Sign           = Condition(0x8)
	NoSign         = Condition(0x9)
	Less           = Condition(0xc) // signed <
	GreaterOrEqual = Condition(0xd)
	LessOrEqual    = Condition(0xe)
	Greater        = Condition(0xf)
)

var conditionNames = map[Condition]string{
	Overflow:       "o",
	NoOverflow:     "no",
	Below:          "b",
	AboveOrEqual:   "ae",
	Equal:          "e",
	NotEqual:       "ne",
	BelowOrEqual:   "be",
	Above:          "a",
	Sign:           "s",
	NoSign:         "ns",
	Less:           "l",
	GreaterOrEqual: "ge",
	LessOrEqual:    "le",
	Greater:        "g",
}

func (cond Condition) String() string {
	name, ok := conditionNames[cond]
	if !ok {
		panic("invalid condition")
	}
	return name
}
