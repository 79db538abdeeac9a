package sample

type constProto struct {
	name string
}

func (p constProto) Name() string {
	return p.name
}

var consted constProto

func init() {
	consted = constProto{name: "constant"}
}

func Const() string {
	return consted.Name()
}
