package harness

// KindOpencode is the opencode backend.
const KindOpencode = "opencode"

// NewOpencode returns the harness variant for the opencode agent, driven
// through its JSON-lines agent mode.
func NewOpencode() Harness {
	return &execHarness{
		kind:   KindOpencode,
		binary: "opencode",
		args:   []string{"agent", "--format", "jsonl"},
	}
}

// NewCommand returns a harness variant for an arbitrary backend command
// that speaks the greenroom stdio protocol. Useful for locally wrapped
// agents and for exercising the full process path in integration tests.
func NewCommand(kind, binary string, args ...string) Harness {
	return &execHarness{kind: kind, binary: binary, args: args}
}
