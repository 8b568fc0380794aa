package queue

import "sync"

type syncMap2 = sync.Map
