package gateway

// BusDispatcher adapts *Hub to bus.Dispatcher without gateway needing
// to import package bus: bus declares that interface and cmd/server
// passes this adapter in, so neither package imports the other.
type BusDispatcher struct {
	hub *Hub
}

func NewBusDispatcher(hub *Hub) *BusDispatcher {
	return &BusDispatcher{hub: hub}
}

func (d *BusDispatcher) SendToRoom(roomID string, frameType string, data interface{}) {
	d.hub.SendToRoom(roomID, OutboundFrame{Type: frameType, Data: data})
}

func (d *BusDispatcher) SendToUser(userID string, frameType string, data interface{}) {
	d.hub.SendToUser(userID, OutboundFrame{Type: frameType, Data: data})
}

func (d *BusDispatcher) CancelGraceTimer(userID string) bool {
	return d.hub.CancelGraceTimer(userID)
}
