package udp

import (
	"fmt"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"screenshare/internal/utils"
)

// socketBufferSize - размер OS буферов приема/отправки
// Больших буферов достаточно чтобы пережить всплеск кадров без потерь на сокете
const socketBufferSize = 8 << 20

// NewMediaConn создает UDP сокет для медиа-транспорта.
// listen вида ":8888" - серверная сторона; пустой remote не подключает сокет
func NewMediaConn(listen string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("resolve addr %s: %v", listen, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %v", listen, err)
	}

	tuneBuffers(conn)
	return conn, nil
}

// DialMediaConn создает подключенный UDP сокет клиентской стороны.
// Подключенный сокет фильтрует входящие датаграммы по адресу сервера
// и позволяет слать heartbeat'ы простым Write
func DialMediaConn(server string) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve addr %s: %v", server, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial UDP %s: %v", server, err)
	}

	tuneBuffers(conn)
	return conn, nil
}

// tuneBuffers увеличивает OS буферы сокета
func tuneBuffers(conn *net.UDPConn) {
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		log.Printf("failed to set read buffer: %v", err)
	}
	if err := conn.SetWriteBuffer(socketBufferSize); err != nil {
		log.Printf("failed to set write buffer: %v", err)
	}
}

// setBroadcast включает SO_BROADCAST на сокете (для discovery запросов)
func setBroadcast(conn *net.UDPConn) error {
	file, err := conn.File()
	if err != nil {
		return err
	}
	defer file.Close()
	return unix.SetsockoptInt(int(file.Fd()), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
}

// EndpointSlot - единственный изменяемый слот с адресом клиента.
// Пишется endpoint learner'ом, читается network sender'ом, поэтому
// доступ к нему всегда под мьютексом. Last writer wins
type EndpointSlot struct {
	mu   sync.Mutex
	addr *net.UDPAddr
}

// Set запоминает адрес клиента. Возвращает true если адрес изменился
// относительно предыдущего (в том числе при первом появлении)
func (s *EndpointSlot) Set(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != nil && s.addr.IP.Equal(addr.IP) && s.addr.Port == addr.Port {
		return false
	}
	// Копируем адрес: буфер IP может переиспользоваться читающим циклом
	s.addr = &net.UDPAddr{IP: append(net.IP(nil), addr.IP...), Port: addr.Port}
	return true
}

// Get возвращает текущий адрес клиента, nil если endpoint еще не известен
func (s *EndpointSlot) Get() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Clear сбрасывает слот (при завершении сессии)
func (s *EndpointSlot) Clear() {
	s.mu.Lock()
	s.addr = nil
	s.mu.Unlock()
}

// LocalIPv4 возвращает первый не-loopback IPv4 адрес хоста
// Используется discovery ответчиком для анонса адреса сервера
func LocalIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no non-loopback IPv4 address found")
}

// logClose закрывает соединение, не шумя о повторном закрытии
func logClose(conn *net.UDPConn) {
	if err := conn.Close(); err != nil {
		utils.DebugLog("close: %v", err)
	}
}
