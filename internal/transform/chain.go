package transform

import "github.com/cockroachdb/errors"

// Chain is an ordered sequence of transforms applied to frame bodies
// post-handshake. Encrypt applies transforms in order; Decrypt applies
// their inverses in reverse order.
type Chain struct {
	transforms []Transform
}

// NewChain builds a Chain from an already-constructed transform list.
func NewChain(transforms []Transform) (*Chain, error) {
	if len(transforms) == 0 {
		return nil, errors.New("transform: empty chain")
	}
	return &Chain{transforms: transforms}, nil
}

func (c *Chain) Transforms() []Transform { return c.transforms }

func (c *Chain) Encrypt(data []byte) []byte {
	result := data
	for _, t := range c.transforms {
		result = t.Encrypt(result)
	}
	return result
}

func (c *Chain) Decrypt(data []byte) []byte {
	result := data
	for i := len(c.transforms) - 1; i >= 0; i-- {
		result = c.transforms[i].Decrypt(result)
	}
	return result
}

func (c *Chain) String() string {
	s := ""
	for i, t := range c.transforms {
		if i > 0 {
			s += "->"
		}
		s += t.Name()
	}
	return s
}
