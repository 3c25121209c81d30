package driver

// RegisterBuiltins registers the built-in device families on r.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		deviceType string
		ctor       Constructor
	}{
		{TypeModbusProbe, NewModbusProbe},
		{TypeModbusRelay, NewModbusRelay},
		{TypeHost, NewHost},
		{TypeHTTPJSON, NewHTTPSensor},
		{TypeSimulated, NewSimulated},
	}
	for _, b := range builtins {
		if err := r.Register(b.deviceType, b.ctor); err != nil {
			return err
		}
	}
	return nil
}
