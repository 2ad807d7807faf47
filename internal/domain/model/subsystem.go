package model

// SubsystemID identifies a monitored hardware unit of the payload.
type SubsystemID string

const (
	// Thermo-electric coolers.
	SubsystemTecMiob SubsystemID = "miob" // micro-optical bench
	SubsystemTecVhbg SubsystemID = "vhbg" // laser diode grating
	SubsystemTecShga SubsystemID = "shga" // second-harmonic stage A
	SubsystemTecShgb SubsystemID = "shgb" // second-harmonic stage B

	// Laser diode drivers.
	SubsystemDiodeMo SubsystemID = "mo" // master oscillator
	SubsystemDiodePa SubsystemID = "pa" // power amplifier

	// Lockbox (ramp, PII stages).
	SubsystemLockbox SubsystemID = "nu_lock"

	// Payload computer, monitored via the host sampler.
	SubsystemHost SubsystemID = "payload_host"
)

func (s SubsystemID) String() string {
	return string(s)
}

// OscillatorTecs are the TEC units that must hold temperature before the
// diodes may be powered.
func OscillatorTecs() []SubsystemID {
	return []SubsystemID{SubsystemTecMiob, SubsystemTecVhbg, SubsystemTecShga, SubsystemTecShgb}
}

// LaserDiodes are the diode drivers, in power-up order.
func LaserDiodes() []SubsystemID {
	return []SubsystemID{SubsystemDiodeMo, SubsystemDiodePa}
}
