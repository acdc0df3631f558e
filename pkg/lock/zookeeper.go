package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKCoordinator implements Coordinator on a ZooKeeper ensemble. Queue
// entries are ephemeral sequential znodes; they vanish with the session.
type ZKCoordinator struct {
	conn *zk.Conn
}

// ConnectZK dials the ensemble and waits for the session to establish.
func ConnectZK(servers []string, sessionTimeout time.Duration) (*ZKCoordinator, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one coordination server is required")
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, err
	}
	deadline := time.After(sessionTimeout)
	for {
		select {
		case event := <-events:
			if event.State == zk.StateHasSession {
				return &ZKCoordinator{conn: conn}, nil
			}
		case <-deadline:
			conn.Close()
			return nil, errors.New("coordination session did not establish")
		}
	}
}

func (c *ZKCoordinator) EnsurePath(_ context.Context, dir string) error {
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	path := ""
	for _, part := range parts {
		path += "/" + part
		_, err := c.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (c *ZKCoordinator) CreateSequential(_ context.Context, dir, prefix string) (string, error) {
	path, err := c.conn.Create(dir+"/"+prefix, nil, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", err
	}
	return path, nil
}

func (c *ZKCoordinator) Children(_ context.Context, dir string) ([]string, error) {
	children, _, err := c.conn.Children(dir)
	if err != nil {
		return nil, err
	}
	return children, nil
}

func (c *ZKCoordinator) ExistsWatch(_ context.Context, path string) (bool, <-chan struct{}, error) {
	exists, _, events, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, err
	}
	ch := make(chan struct{}, 1)
	go func() {
		<-events
		ch <- struct{}{}
	}()
	return exists, ch, nil
}

func (c *ZKCoordinator) Delete(_ context.Context, path string) error {
	err := c.conn.Delete(path, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

func (c *ZKCoordinator) Close() error {
	c.conn.Close()
	return nil
}
