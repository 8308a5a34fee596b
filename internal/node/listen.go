package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/lanchat/lanchat/internal/config"
)

var errNoFreePort = errors.New("no free port in range")

// listen binds the configured port, or the first free port of the range
// when the port is 0.
func listen(cfg config.HTTPConfig) (net.Listener, error) {
	host := cfg.BindAddress
	if cfg.Port != 0 {
		return net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Port)))
	}
	start, end := cfg.PortRangeStart, cfg.PortRangeEnd
	if start <= 0 {
		start, end = config.DefaultPortRangeStart, config.DefaultPortRangeEnd
	}
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w %d..%d", errNoFreePort, start, end)
}
