package vm

// Request is a program whose first op byte declares the number of outputs.
type Request struct {
	*Program
}

// NewRequest returns a request with outputCount outputs.
func NewRequest(outputCount byte) *Request {
	p := NewProgram()
	p.ops = append(p.ops, outputCount)
	return &Request{Program: p}
}

// OutputCount returns the declared number of outputs.
func (r *Request) OutputCount() byte { return r.ops[0] }

// AddOutput declares one more output and pops the top of the stack into it.
// A request holds at most 255 outputs.
func (r *Request) AddOutput() *Request {
	i := r.ops[0]
	if i == 0xff {
		if r.err == nil {
			r.err = ErrOutputOverflow
		}
		return r
	}
	r.ops[0] = i + 1
	r.SetOutput(i)
	return r
}

// Clone returns an independent copy of the request.
func (r *Request) Clone() *Request {
	return &Request{Program: r.Program.Clone()}
}
