package relay

// Role is the class of client a listener accepts.
type Role int

const (
	// Producer is the RFB server side (the machine being viewed).
	Producer Role = iota
	// Consumer is the viewer side.
	Consumer
)

func (r Role) String() string {
	if r == Producer {
		return "producer"
	}
	return "consumer"
}

// Opposite returns the role an endpoint of r is matched against.
func (r Role) Opposite() Role {
	if r == Producer {
		return Consumer
	}
	return Producer
}
