package queue

import "sync"

type schemaCacheStore = sync.Map
