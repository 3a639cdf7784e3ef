package zmqbridge

import "github.com/go-zeromq/zmq4"

// applyCurve configures CURVE transport encryption on sock when enabled. A
// fresh client keypair is generated per bridge instance; absence of a
// server key leaves the socket in plaintext mode (spec §4.2 "Optional
// transport encryption").
func applyCurve(sock zmq4.Socket, opts Options) error {
	if !opts.CurveEnabled || opts.CurveServerKey == "" {
		return nil
	}
	pub, priv, err := zmq4.NewCurveKeypair()
	if err != nil {
		return err
	}
	if err := sock.SetOption(zmq4.OptionCurvePublicKey, pub); err != nil {
		return err
	}
	if err := sock.SetOption(zmq4.OptionCurveSecretKey, priv); err != nil {
		return err
	}
	return sock.SetOption(zmq4.OptionCurveServerKey, opts.CurveServerKey)
}
