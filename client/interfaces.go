package client

import (
	"fmt"
	"net"

	"github.com/it2konst/quicpath/transport"
)

// ====================================================================
// Обнаружение сетевых интерфейсов
// ====================================================================
//
// Клиент поднимает по одному UDP-эндпоинту на каждый локальный
// интерфейс с IPv4-адресом (loopback исключается). Между этими
// интерфейсами соединение и мигрирует.
//
// ====================================================================

// NetworkInterface - один локальный интерфейс клиента
type NetworkInterface struct {
	// Name - имя интерфейса (eth0, wlan0, ...)
	Name string

	// IP - IPv4-адрес интерфейса
	IP net.IP

	// Endpoint - UDP-эндпоинт, привязанный к интерфейсу
	// nil до setupInterface
	Endpoint *transport.Endpoint

	// IsActive - эндпоинт поднят и готов к работе
	IsActive bool
}

// DiscoverInterfaces возвращает локальные интерфейсы с IPv4-адресом,
// исключая loopback и выключенные
func DiscoverInterfaces() ([]*NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}

	var result []*NetworkInterface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}

			result = append(result, &NetworkInterface{Name: iface.Name, IP: ip4})
			break // один IPv4-адрес на интерфейс
		}
	}

	return result, nil
}
