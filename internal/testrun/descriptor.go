package testrun

// Status is the outcome of a single expectation.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// ExpectResult is one recorded assertion. Message always renders the concrete
// comparison, e.g. "Expected 200 to equal 200".
type ExpectResult struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Descriptor is a node of the test report tree. The JSON shape is consumed
// directly by report renderers and must stay stable.
type Descriptor struct {
	Descriptor    string         `json:"descriptor"`
	ExpectResults []ExpectResult `json:"expectResults"`
	Children      []*Descriptor  `json:"children"`
	ScriptError   string         `json:"scriptError,omitempty"`
}

// RootName is the descriptor of the implicit top-level node.
const RootName = "root"

func newDescriptor(name string) *Descriptor {
	return &Descriptor{
		Descriptor:    name,
		ExpectResults: []ExpectResult{},
		Children:      []*Descriptor{},
	}
}

// Counts walks the tree and returns the number of passed and failed results.
func (d *Descriptor) Counts() (passed, failed int) {
	for _, r := range d.ExpectResults {
		if r.Status == StatusPass {
			passed++
		} else {
			failed++
		}
	}
	for _, c := range d.Children {
		p, f := c.Counts()
		passed += p
		failed += f
	}
	return passed, failed
}

// HasScriptErrors reports whether any block in the tree aborted with a throw.
func (d *Descriptor) HasScriptErrors() bool {
	if d.ScriptError != "" {
		return true
	}
	for _, c := range d.Children {
		if c.HasScriptErrors() {
			return true
		}
	}
	return false
}

// Find returns the first descendant (depth-first) with the given descriptor.
func (d *Descriptor) Find(name string) *Descriptor {
	for _, c := range d.Children {
		if c.Descriptor == name {
			return c
		}
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}
