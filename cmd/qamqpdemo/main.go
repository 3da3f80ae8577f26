// Command qamqpdemo wires the core to a real broker: it declares a
// queue, starts consuming, and prints every delivery until interrupted.
package main

import (
	"flag"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/zuzoid/qamqp"
)

func main() {
	addr := flag.String("addr", "localhost:5672", "broker address")
	vhost := flag.String("vhost", "/", "virtual host")
	user := flag.String("user", "guest", "username")
	pass := flag.String("pass", "guest", "password")
	queue := flag.String("queue", "qamqpdemo", "queue name")
	exchange := flag.String("exchange", "", "exchange to declare and bind the queue to (skipped if empty)")
	exchangeKind := flag.String("exchange-kind", "topic", "exchange type")
	routingKey := flag.String("routing-key", "#", "binding key used when -exchange is set")
	flag.Parse()

	netConn, err := net.DialTimeout("tcp", *addr, 10*time.Second)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}

	conn, err := qamqp.Handshake(netConn, qamqp.HandshakeOptions{
		VHost:    *vhost,
		Username: *user,
		Password: *pass,
	})
	if err != nil {
		log.Fatalf("handshake: %v", err)
	}

	q, err := qamqp.NewQueue(conn)
	if err != nil {
		log.Fatalf("open channel: %v", err)
	}

	if err := q.Declare(*queue, qamqp.OptDurable); err != nil {
		log.Fatalf("declare: %v", err)
	}

	if *exchange != "" {
		ex, err := qamqp.NewExchange(conn, *exchange, *exchangeKind)
		if err != nil {
			log.Fatalf("open exchange channel: %v", err)
		}
		if err := ex.Declare(qamqp.ExchangeOptDurable); err != nil {
			log.Fatalf("declare exchange: %v", err)
		}
		if err := q.BindExchange(ex, *routingKey); err != nil {
			log.Fatalf("bind: %v", err)
		}
		log.Printf("bound %q to exchange %q (%s) with key %q", *queue, *exchange, *exchangeKind, *routingKey)
	}

	tag := uuid.New().String()
	if _, err := q.Consume(tag, 0); err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("consuming %q as %s", *queue, tag)

	for ev := range q.Events() {
		switch ev.Kind {
		case qamqp.EventDeclared, qamqp.EventConsuming:
			log.Printf("event: %s", ev.Kind)
		case qamqp.EventMessageReceived:
			for q.HasCompleteMessage() {
				msg := q.NextMessage()
				log.Printf("delivery %d: %s", msg.DeliveryTag, msg.Payload)
				if err := q.Ack(msg); err != nil {
					log.Printf("ack %d: %v", msg.DeliveryTag, err)
				}
			}
		case qamqp.EventError:
			log.Printf("fatal: %v", ev.Err)
			return
		}
	}
}
