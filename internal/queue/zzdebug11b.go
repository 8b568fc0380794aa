package queue

import "sync"

type syncMap3 = sync.Map
type syncMap4 = sync.Map
