package transform

// Plain is the identity transform.
type Plain struct{}

func NewPlain(key []byte) (*Plain, error) { return &Plain{}, nil }

func (p *Plain) Name() string          { return "Plain" }
func (p *Plain) Key() []byte           { return nil }
func (p *Plain) Encrypt(d []byte) []byte { return d }
func (p *Plain) Decrypt(d []byte) []byte { return d }
