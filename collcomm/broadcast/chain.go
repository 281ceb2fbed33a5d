package broadcast

import (
	"github.com/gomlx/exceptions"
	"github.com/samber/lo"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/unixpickle/essentials"
)

// A ChainBroadcaster pipelines the vector down a chain of
// devices starting at the root. See Comms.Chain.
//
// The vector is split into chunks. Every device forwards
// each chunk as soon as it arrives and the next device has
// acknowledged the previous one, so that all the links of
// the chain are busy at once.
type ChainBroadcaster struct {
	// Granularity determines how many chunks the data is
	// split up into.
	// The actual number of chunks is multiplied by the
	// number of devices.
	//
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Broadcast sends or receives the root's vector.
func (b ChainBroadcaster) Broadcast(c *collcomm.Comms, data []byte, root int) []byte {
	if c.Size() == 1 || len(data) == 0 {
		return data
	}

	chain := c.Chain(root)
	pos := lo.IndexOf(chain, c.Index())
	var prev, next *simulator.Port
	if pos > 0 {
		prev = c.Ports[chain[pos-1]]
	}
	if pos+1 < len(chain) {
		next = c.Ports[chain[pos+1]]
	}

	var outBuf []*chainPacket
	if pos == 0 {
		for i, chunk := range b.chunkify(c, data) {
			outBuf = append(outBuf, &chainPacket{index: i, payload: chunk})
		}
	}

	numChunks := len(b.chunkify(c, data))
	chunks := make([][]byte, numChunks)
	received := 0
	if pos == 0 {
		received = numChunks
	}

	var blocked bool
	for {
		if !blocked && len(outBuf) > 0 {
			outBuf[0].Send(c, next)
			essentials.OrderedDelete(&outBuf, 0)
			blocked = true
		}
		if received == numChunks && len(outBuf) == 0 && !blocked {
			break
		}
		packet := recvChainPacket(c)
		if packet.ack {
			if !blocked {
				exceptions.Panicf("device %d: unexpected ACK", c.Index())
			}
			blocked = false
			continue
		}
		if chunks[packet.index] != nil {
			exceptions.Panicf("device %d: chunk %d received twice", c.Index(), packet.index)
		}
		chunks[packet.index] = packet.payload
		received++
		(&chainPacket{ack: true}).Send(c, prev)
		if next != nil {
			outBuf = append(outBuf, packet)
		}
	}

	if pos == 0 {
		return data
	}
	res := make([]byte, 0, len(data))
	for _, chunk := range chunks {
		res = append(res, chunk...)
	}
	return res
}

func (b ChainBroadcaster) chunkify(c *collcomm.Comms, data []byte) [][]byte {
	return c.Chunkify(data, c.Size()*max(b.Granularity, 1))
}

type chainPacket struct {
	ack     bool
	index   int
	payload []byte
}

func recvChainPacket(c *collcomm.Comms) *chainPacket {
	msg, _ := c.RecvMessage()
	packet, ok := msg.(*chainPacket)
	if !ok {
		exceptions.Panicf("device %d: expected a chain packet but got %T", c.Index(), msg)
	}
	return packet
}

// Send sends the packet to a neighbor in the chain.
func (p *chainPacket) Send(c *collcomm.Comms, dst *simulator.Port) {
	c.SendMessage(dst, p, float64(len(p.payload))+1.0)
}
