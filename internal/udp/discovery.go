package udp

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"screenshare/internal/config"
	"screenshare/internal/utils"
)

// Discovery - простой stateless запрос/ответ для поиска сервера в локальной
// сети. Клиент шлет ASCII строку broadcast'ом на порт 8889, сервер отвечает
// строкой со своим IP на порт 8890 источника запроса.

// ServeDiscovery отвечает на discovery запросы до закрытия stop.
// advertiseIP - адрес, который анонсируется клиентам
func ServeDiscovery(stop <-chan struct{}, advertiseIP net.IP) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: config.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("discovery listen: %v", err)
	}

	go func() {
		<-stop
		logClose(conn)
	}()

	go func() {
		reply := []byte(config.DiscoveryReplyPrefix + advertiseIP.String())
		buf := make([]byte, 256)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-stop:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				// Транзиентная ошибка чтения не убивает ответчик
				log.Printf("[DISCOVERY] read: %v", err)
				continue
			}
			if string(buf[:n]) != config.DiscoveryRequest {
				utils.DebugLog("[DISCOVERY] unexpected request from %s: %q", src, buf[:n])
				continue
			}
			dst := &net.UDPAddr{IP: src.IP, Port: config.DiscoveryReplyPort}
			if _, err := conn.WriteToUDP(reply, dst); err != nil {
				log.Printf("[DISCOVERY] reply to %s: %v", dst, err)
				continue
			}
			utils.DebugLog("[DISCOVERY] answered %s -> %s", src, advertiseIP)
		}
	}()

	log.Printf("[DISCOVERY] responder listening on :%d, advertising %s", config.DiscoveryPort, advertiseIP)
	return nil
}

// Discover рассылает broadcast запрос и ждет ответа сервера не дольше timeout.
// Возвращает IP сервера из первого валидного ответа
func Discover(timeout time.Duration) (net.IP, error) {
	// Сначала открываем сокет для ответа, чтобы не проиграть гонку с сервером
	replyConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: config.DiscoveryReplyPort})
	if err != nil {
		return nil, fmt.Errorf("discovery reply listen: %v", err)
	}
	defer logClose(replyConn)

	reqConn, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: config.DiscoveryPort,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery dial: %v", err)
	}
	defer logClose(reqConn)

	if err := setBroadcast(reqConn); err != nil {
		return nil, fmt.Errorf("enable broadcast: %v", err)
	}

	if _, err := reqConn.Write([]byte(config.DiscoveryRequest)); err != nil {
		return nil, fmt.Errorf("discovery send: %v", err)
	}

	if err := replyConn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, 256)
	for {
		n, src, err := replyConn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("no discovery reply: %v", err)
		}
		ip, perr := ParseDiscoveryReply(string(buf[:n]))
		if perr != nil {
			utils.DebugLog("[DISCOVERY] bad reply from %s: %v", src, perr)
			continue
		}
		return ip, nil
	}
}

// ParseDiscoveryReply разбирает ответ сервера вида "SCREEN_SHARE_SERVER_IP:<dotted-quad>"
func ParseDiscoveryReply(s string) (net.IP, error) {
	if !strings.HasPrefix(s, config.DiscoveryReplyPrefix) {
		return nil, fmt.Errorf("unexpected discovery reply: %q", s)
	}
	ip := net.ParseIP(strings.TrimPrefix(s, config.DiscoveryReplyPrefix))
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bad address in discovery reply: %q", s)
	}
	return ip.To4(), nil
}
