package channel

import (
	"github.com/opcua-io/uatransport"
)

// AppendChunk accumulates one decoded (already verified+decrypted) chunk
// body for requestID. seqNum is that chunk's sequence number, validated for
// strict monotonicity within this channel direction. final indicates a 'F'
// chunk ends the message (the accumulated bytes are returned, ready to hand
// to the MessageCodec); a chunk count beyond localMaxChunkCount is fatal
// per spec §4.C.
func (c *SecureChannel) AppendChunk(requestID, seqNum uint32, body []byte, final bool) (complete bool, assembled []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveInboundSequence && !sequenceAdvanced(c.lastInboundSequence, seqNum) {
		delete(c.reassembly, requestID)
		return false, nil, uatransport.ErrSequenceNotMonotone
	}
	c.lastInboundSequence = seqNum
	c.haveInboundSequence = true

	st, ok := c.reassembly[requestID]
	if !ok {
		st = &reassemblyState{}
		c.reassembly[requestID] = st
	}

	st.chunks = append(st.chunks, body)
	if uint32(len(st.chunks)) > c.Params.LocalMaxChunkCount {
		delete(c.reassembly, requestID)
		return false, nil, uatransport.NewStatusError(uatransport.KindFraming, uatransport.StatusTcpMessageTooLarge,
			"message spans more chunks than localMaxChunkCount")
	}

	if !final {
		return false, nil, nil
	}

	total := 0
	for _, b := range st.chunks {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range st.chunks {
		out = append(out, b...)
	}
	delete(c.reassembly, requestID)
	return true, out, nil
}

// DiscardReassembly drops any in-progress accumulation for requestID,
// releasing every retained chunk buffer. Used when an abort chunk arrives
// (spec §4.C.5) or on a fatal decode error.
func (c *SecureChannel) DiscardReassembly(requestID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reassembly, requestID)
}

// DiscardAllReassembly releases every retained chunk buffer across all
// in-progress messages; called when the decode queue is paused after a
// fatal error so trailing buffers are dropped rather than processed
// (spec §4.E, §5).
func (c *SecureChannel) DiscardAllReassembly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reassembly = make(map[uint32]*reassemblyState)
}

// sequenceAdvanced reports whether next is strictly greater than prev, or is
// the wrapped successor of prev at the 2^32-1024 wrap point.
func sequenceAdvanced(prev, next uint32) bool {
	return next > prev || next == nextSeq(prev)
}
