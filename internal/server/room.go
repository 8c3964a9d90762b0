package server

// Room is the set of local sessions subscribed to one fanout target.
// It is guarded by the owning ChatServer's lock.
type Room struct {
	clients map[*Client]struct{}
}

func newRoom() *Room {
	return &Room{
		clients: make(map[*Client]struct{}),
	}
}

func (r *Room) add(c *Client) {
	r.clients[c] = struct{}{}
}

func (r *Room) remove(c *Client) {
	delete(r.clients, c)
}

func (r *Room) isEmpty() bool {
	return len(r.clients) == 0
}
