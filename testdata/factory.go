package sample

func NewFactory(name string) func() string {
	p := constProto{name: name}
	return p.Name
}

func Sum(a, b int) int {
	return a + b
}
