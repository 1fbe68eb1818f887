package cage

import (
	"fmt"

	"github.com/dop251/goja"
)

// DefaultMaxCallStackSize bounds script recursion.
const DefaultMaxCallStackSize = 500

// hostGlobals are names that must never resolve inside the cage.
var hostGlobals = []string{"eval", "require", "process", "module", "exports", "global"}

const lockdownScript = `(function () {
	var lock = function (proto, name) {
		if (!proto) return;
		Object.defineProperty(proto, 'constructor', {
			value: function () { throw new TypeError(name + ' constructor is disabled'); },
			writable: false,
			configurable: false
		});
	};
	lock(Function.prototype, 'Function');
	lock(Object.getPrototypeOf(async function () {}), 'AsyncFunction');
	lock(Object.getPrototypeOf(function* () {}), 'GeneratorFunction');
})();`

// Lockdown removes dynamic code evaluation and host-only globals from vm.
func Lockdown(vm *goja.Runtime, maxCallStackSize int) error {
	if maxCallStackSize <= 0 {
		maxCallStackSize = DefaultMaxCallStackSize
	}
	vm.SetMaxCallStackSize(maxCallStackSize)

	global := vm.GlobalObject()
	for _, name := range hostGlobals {
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove global %s: %w", name, err)
		}
	}
	if _, err := vm.RunString(lockdownScript); err != nil {
		return fmt.Errorf("lock constructors: %w", err)
	}
	if err := global.Set("Function", goja.Undefined()); err != nil {
		return fmt.Errorf("remove global Function: %w", err)
	}
	return nil
}
