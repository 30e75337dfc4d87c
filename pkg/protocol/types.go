package protocol

// Version is the envelope format version written by this node.
const Version uint8 = 1
