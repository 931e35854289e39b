package sched

// threadList is a singly-linked FIFO of threads chained through listNext.
// It backs the ready-to-run list and every condition's wait list. List
// operations are not interrupt safe; callers hold the gate closed.
type threadList struct {
	head *Thread
	tail *Thread
}

func (l *threadList) clear() {
	l.head = nil
	l.tail = nil
}

func (l *threadList) empty() bool {
	return l.head == nil
}

func (l *threadList) insert(t *Thread) {
	t.listNext = nil

	if l.tail != nil {
		l.tail.listNext = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *threadList) remove() *Thread {
	t := l.head
	if t == nil {
		return nil
	}

	l.head = t.listNext
	if l.head == nil {
		l.tail = nil
	}

	t.listNext = nil
	return t
}

// append moves every element of other to the end of l in constant time and
// clears other.
func (l *threadList) append(other *threadList) {
	if l.head != nil {
		if other.head != nil {
			l.tail.listNext = other.head
			l.tail = other.tail
		}
	} else {
		l.head = other.head
		l.tail = other.tail
	}

	other.head = nil
	other.tail = nil
}
