package allreduce

import (
	"github.com/gomlx/exceptions"
	"github.com/samber/lo"
	"github.com/unixpickle/blinkplus/collcomm"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/unixpickle/essentials"
)

// A StreamAllreducer splits a vector up into smaller
// messages and streams the messages around a ring of all
// the devices at once.
//
// The reduction has two phases: Reduce and Broadcast.
// During Reduce, the fully reduced vector arrives at the
// first node.
// During Broadcast, the reduced vector is streamed from
// the first node to all the other nodes, along Comms.Chain
// when the Comms have a spanning tree. The Reduce ring is
// always in rank order, so the rounding of the result does
// not depend on the spanning tree.
type StreamAllreducer struct {
	// Granularity determines how many chunks the data is
	// split up into.
	// The actual number of chunks is multiplied by the
	// number of nodes.
	//
	// Chunks always hold whole elements.
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce calls fn on chunks of data at a time and
// returns a vector resulting from the final reduction.
func (s StreamAllreducer) Allreduce(c *collcomm.Comms, data []byte,
	fn collcomm.ReduceFn) []byte {
	if len(data) == 0 || len(c.Ports) == 1 {
		return data
	}
	r := newStreamRoute(c)
	if c.Index() == 0 {
		return s.allreduceRoot(c, r, data)
	}
	return s.allreduceOther(c, r, data, fn)
}

func (s StreamAllreducer) allreduceRoot(c *collcomm.Comms, r *streamRoute, data []byte) []byte {
	chunksOut := s.chunkify(c, data)
	reduced := make([]byte, 0, len(data))

	// Kick off the reduction cycle.
	(&streamPacket{packetType: streamPacketReduce, payload: chunksOut[0]}).Send(c, r)
	chunksOut = chunksOut[1:]

	// Push the reduction through the ring.
	waitingReduceAck := true
	for len(reduced) < len(data) {
		packet := recvStreamPacket(c)
		switch packet.packetType {
		case streamPacketReduce:
			reduced = append(reduced, packet.payload...)
			(&streamPacket{packetType: streamPacketReduceAck}).Send(c, r)
		case streamPacketReduceAck:
			if !waitingReduceAck {
				exceptions.Panicf("device %d: unexpected ACK", c.Index())
			}
			if len(chunksOut) > 0 {
				(&streamPacket{packetType: streamPacketReduce, payload: chunksOut[0]}).Send(c, r)
				chunksOut = chunksOut[1:]
			} else {
				waitingReduceAck = false
			}
		default:
			exceptions.Panicf("device %d: unexpected packet type %d", c.Index(), packet.packetType)
		}
	}

	if len(chunksOut) > 0 {
		exceptions.Panicf("reduction completed with %d chunks unsent", len(chunksOut))
	} else if len(reduced) != len(data) {
		exceptions.Panicf("reduced %d bytes but expected %d", len(reduced), len(data))
	}

	// Push the data through the bcast cycle.
	for _, chunk := range s.chunkify(c, reduced) {
		(&streamPacket{packetType: streamPacketBcast, payload: chunk}).Send(c, r)
		for {
			packet := recvStreamPacket(c)
			if packet.packetType == streamPacketReduceAck {
				if !waitingReduceAck {
					exceptions.Panicf("device %d: unexpected ACK", c.Index())
				}
				waitingReduceAck = false
			} else if packet.packetType == streamPacketBcastAck {
				break
			} else {
				exceptions.Panicf("device %d: unexpected packet type %d", c.Index(), packet.packetType)
			}
		}
	}

	return reduced
}

func (s StreamAllreducer) allreduceOther(c *collcomm.Comms, r *streamRoute, data []byte,
	fn collcomm.ReduceFn) []byte {
	var reduced []byte

	isLastNode := r.bcastNext == nil

	// Reduce our data into the stream.
	var reduceBlocked bool
	var reduceBuf []*streamPacket
	remainingData := data
	for len(reduced) == 0 {
		packet := recvStreamPacket(c)
		switch packet.packetType {
		case streamPacketReduce:
			(&streamPacket{packetType: streamPacketReduceAck}).Send(c, r)
			chunk := fn(c.Handle, packet.payload, remainingData[:len(packet.payload)])
			remainingData = remainingData[len(packet.payload):]
			outPacket := &streamPacket{packetType: streamPacketReduce, payload: chunk}
			reduceBuf = append(reduceBuf, outPacket)
		case streamPacketReduceAck:
			if !reduceBlocked {
				exceptions.Panicf("device %d: unexpected ACK", c.Index())
			}
			reduceBlocked = false
		case streamPacketBcast:
			if len(reduceBuf) > 0 {
				exceptions.Panicf("device %d: got bcast before reduce finished", c.Index())
			}
			reduced = append(reduced, packet.payload...)
			(&streamPacket{packetType: streamPacketBcastAck}).Send(c, r)
			if !isLastNode {
				// Otherwise, the packet will never reach
				// the next node in the ring.
				packet.Send(c, r)
			}
		default:
			exceptions.Panicf("device %d: unexpected packet type %d", c.Index(), packet.packetType)
		}
		if !reduceBlocked && len(reduceBuf) > 0 {
			reduceBuf[0].Send(c, r)
			essentials.OrderedDelete(&reduceBuf, 0)
			reduceBlocked = true
		}
	}

	// Read the broadcasted reduction.
	// The last reduce ACK may arrive after the last bcast.
	bcastBlocked := true
	var bcastBuf []*streamPacket
	for len(reduced) < len(data) || len(bcastBuf) > 0 || reduceBlocked {
		packet := recvStreamPacket(c)
		switch packet.packetType {
		case streamPacketReduceAck:
			if !reduceBlocked {
				exceptions.Panicf("device %d: unexpected ACK", c.Index())
			}
			reduceBlocked = false
		case streamPacketBcast:
			reduced = append(reduced, packet.payload...)
			(&streamPacket{packetType: streamPacketBcastAck}).Send(c, r)
			if !isLastNode {
				outPacket := &streamPacket{packetType: streamPacketBcast, payload: packet.payload}
				bcastBuf = append(bcastBuf, outPacket)
			}
		case streamPacketBcastAck:
			if !bcastBlocked {
				exceptions.Panicf("device %d: unexpected ACK", c.Index())
			}
			bcastBlocked = false
		default:
			exceptions.Panicf("device %d: unexpected packet type %d", c.Index(), packet.packetType)
		}
		if !bcastBlocked && len(bcastBuf) > 0 {
			bcastBuf[0].Send(c, r)
			essentials.OrderedDelete(&bcastBuf, 0)
			bcastBlocked = true
		}
	}

	if reduceBlocked {
		exceptions.Panicf("device %d: missed expected ACK", c.Index())
	}

	return reduced
}

func (s StreamAllreducer) chunkify(c *collcomm.Comms, data []byte) [][]byte {
	return c.Chunkify(data, len(c.Ports)*max(s.Granularity, 1))
}

type streamPacketType int

const (
	streamPacketReduce streamPacketType = iota
	streamPacketReduceAck
	streamPacketBcast
	streamPacketBcastAck
)

type streamPacket struct {
	packetType streamPacketType
	payload    []byte
}

func recvStreamPacket(c *collcomm.Comms) *streamPacket {
	msg, _ := c.RecvMessage()
	packet, ok := msg.(*streamPacket)
	if !ok {
		exceptions.Panicf("device %d: expected a stream packet but got %T", c.Index(), msg)
	}
	return packet
}

func (s *streamPacket) Size() float64 {
	return float64(len(s.payload)) + 1.0
}

// Send sends the packet to the appropriate host.
// For ACKs, this is the previous host of the phase.
// For other messages, this is the next host.
func (s *streamPacket) Send(c *collcomm.Comms, r *streamRoute) {
	var dst *simulator.Port
	switch s.packetType {
	case streamPacketReduce:
		dst = r.reduceNext
	case streamPacketReduceAck:
		dst = r.reducePrev
	case streamPacketBcast:
		dst = r.bcastNext
	case streamPacketBcastAck:
		dst = r.bcastPrev
	}
	c.SendMessage(dst, s, s.Size())
}

// A streamRoute holds a node's neighbors in both phases.
// The Reduce phase is a ring in rank order. The Broadcast
// phase is a chain from rank 0, so the ends have no
// bcastPrev or bcastNext.
type streamRoute struct {
	reducePrev, reduceNext *simulator.Port
	bcastPrev, bcastNext   *simulator.Port
}

func newStreamRoute(c *collcomm.Comms) *streamRoute {
	idx, n := c.Index(), c.Size()
	r := &streamRoute{
		reducePrev: c.Ports[(idx+n-1)%n],
		reduceNext: c.Ports[(idx+1)%n],
	}
	chain := c.Chain(0)
	pos := lo.IndexOf(chain, idx)
	if pos > 0 {
		r.bcastPrev = c.Ports[chain[pos-1]]
	}
	if pos+1 < n {
		r.bcastNext = c.Ports[chain[pos+1]]
	}
	return r
}
